// Package main はTakanomeサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"takanome/internal/config"
	"takanome/internal/detect"
	"takanome/internal/server"
	"takanome/internal/video"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", config.DefaultPath, "設定ファイルのパス")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 設定ファイルの値)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 設定ファイルの値)")
		source     = flag.String("source", "", "映像ソース (デフォルト: 設定ファイルの値)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Takanome")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.App.Host = *host
	}
	if *port != 0 {
		cfg.App.Port = *port
	}
	if *source != "" {
		cfg.Video.Source = *source
	}

	// 検出器を作成する（モデル未設定の場合は検出なしで配信する）
	var detector detect.Detector
	if cfg.Model.Path != "" {
		yolo, err := detect.NewYOLODetector(detect.Options{
			ModelPath:           cfg.Model.Path,
			ConfidenceThreshold: cfg.Model.ConfidenceThreshold,
			IoUThreshold:        cfg.Model.IoUThreshold,
			InputSize:           cfg.Model.InputSize,
		})
		if err != nil {
			log.Fatalf("検出モデルの読み込みに失敗しました: %v", err)
		}
		defer yolo.Close()
		detector = yolo
	}

	// キャプチャサービスを作成
	capture := video.NewCaptureService(video.SourceConfig{
		Identifier: cfg.Video.Source,
		Width:      cfg.Video.Width,
		Height:     cfg.Video.Height,
		FPS:        cfg.Video.FPS,
	}, nil, detector, video.NewCache())

	// サーバーを作成して起動
	srv := server.New(cfg, capture, detector)

	log.Printf("Takanome サーバーを起動します: %s", cfg.ServerAddress())
	if err := srv.Start(context.Background()); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
