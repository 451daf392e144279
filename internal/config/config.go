package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath はデフォルトの設定ファイルパス
const DefaultPath = "config.yaml"

// Duration はYAML上で "10s" のような表記を受け付けるtime.Durationのラッパー
type Duration time.Duration

// UnmarshalYAML は文字列表記とナノ秒整数の両方を受け付ける
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("不正なタイムアウト表記: %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("不正なタイムアウト値: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std はtime.Durationに変換する
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	App       AppConfig       `yaml:"app"`
	Video     VideoConfig     `yaml:"video"`
	Model     ModelConfig     `yaml:"model"`
	Streaming StreamingConfig `yaml:"streaming"`
}

// AppConfig はHTTPサーバーとアプリケーション情報の設定
type AppConfig struct {
	Title       string `yaml:"title"`       // アプリケーション名
	Description string `yaml:"description"` // アプリケーションの説明
	Version     string `yaml:"version"`     // バージョン
	Host        string `yaml:"host"`        // リッスンするホスト
	Port        int    `yaml:"port"`        // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout Duration `yaml:"write_timeout"` // 書き込みタイムアウト（ストリーミング用に0で無効化）
}

// VideoConfig は映像ソースの設定
type VideoConfig struct {
	Source string `yaml:"source"` // デバイス番号("0")・ファイルパス・URL
	Width  int    `yaml:"width"`  // 要求する画像幅
	Height int    `yaml:"height"` // 要求する画像高さ
	FPS    int    `yaml:"fps"`    // キャプチャのフレームレート
}

// ModelConfig は検出モデルの設定
// Path が空の場合は検出なしでフレームをそのまま配信する
type ModelConfig struct {
	Path                string  `yaml:"path"`                 // ONNXモデルのパス（空なら検出無効）
	ConfidenceThreshold float64 `yaml:"confidence_threshold"` // 検出の信頼度しきい値
	IoUThreshold        float64 `yaml:"iou_threshold"`        // NMSのIoUしきい値
	InputSize           int     `yaml:"input_size"`           // モデルの入力サイズ（正方形）
}

// StreamingConfig は配信側の設定
type StreamingConfig struct {
	Quality    int `yaml:"quality"`     // JPEGエンコード品質 (1-100)
	FPS        int `yaml:"fps"`         // セッションごとの配信レート
	BufferSize int `yaml:"buffer_size"` // フレームスロット数（常に1・上書き方式）
}

// Load は指定されたパスから設定を読み込む
// ファイルが存在しない・壊れている場合は起動時エラーとして扱う
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}

	// 環境変数による上書き
	cfg.App.Host = getEnvOrDefault("SERVER_HOST", cfg.App.Host)
	cfg.App.Port = getEnvAsIntOrDefault("PORT", cfg.App.Port)

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Default はデフォルト値が設定されたConfigを返す
// 設定ファイルで明示されなかった項目はこの値のまま使われる
func Default() *Config {
	return &Config{
		App: AppConfig{
			Title:        "Takanome",
			Description:  "ドローン検出ストリーミングサーバー",
			Version:      "1.0.0",
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Video: VideoConfig{
			Source: "0",
			Width:  640,
			Height: 480,
			FPS:    30,
		},
		Model: ModelConfig{
			Path:                "",
			ConfidenceThreshold: 0.5,
			IoUThreshold:        0.4,
			InputSize:           640,
		},
		Streaming: StreamingConfig{
			Quality:    90,
			FPS:        30,
			BufferSize: 1,
		},
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.App.Port < 1 || c.App.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.App.Port)
	}

	// 映像ソース設定の検証
	if c.Video.Source == "" {
		return fmt.Errorf("映像ソースが設定されていません")
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Video.Width, c.Video.Height)
	}
	if c.Video.FPS <= 0 || c.Video.FPS > 120 {
		return fmt.Errorf("無効なキャプチャFPS: %d", c.Video.FPS)
	}

	// モデル設定の検証（モデル無しは許可）
	if c.Model.Path != "" {
		if c.Model.ConfidenceThreshold < 0 || c.Model.ConfidenceThreshold > 1 {
			return fmt.Errorf("無効な信頼度しきい値: %f", c.Model.ConfidenceThreshold)
		}
		if c.Model.IoUThreshold < 0 || c.Model.IoUThreshold > 1 {
			return fmt.Errorf("無効なIoUしきい値: %f", c.Model.IoUThreshold)
		}
		if c.Model.InputSize <= 0 {
			return fmt.Errorf("無効なモデル入力サイズ: %d", c.Model.InputSize)
		}
	}

	// 配信設定の検証
	if c.Streaming.Quality < 1 || c.Streaming.Quality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Streaming.Quality)
	}
	if c.Streaming.FPS <= 0 || c.Streaming.FPS > 120 {
		return fmt.Errorf("無効な配信FPS: %d", c.Streaming.FPS)
	}
	// フレームスロットは常に1（上書き方式）
	if c.Streaming.BufferSize != 1 {
		return fmt.Errorf("buffer_sizeは1のみサポートしています: %d", c.Streaming.BufferSize)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.App.Host, c.App.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
