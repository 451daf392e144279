package detect

import (
	"image"

	"gocv.io/x/gocv"
)

// Detection は1件の検出結果を表す
type Detection struct {
	Box        image.Rectangle // ピクセル座標のバウンディングボックス (x1<x2, y1<y2)
	Confidence float64         // 信頼度 [0,1]
	Label      string          // クラス名
}

// Detector は物体検出機能のインターフェース
// 実装は繰り返し呼び出しに耐え、事前状態なしで動作すること
// 推論のレイテンシは保証されない（呼び出し側が吸収する）
type Detector interface {
	// Detect はフレームを解析し、注釈付きのコピーと検出結果を返す
	// 入力のMatは変更しない
	Detect(frame gocv.Mat) (gocv.Mat, []Detection, error)

	// Info は読み込まれたモデルの情報を返す
	Info() ModelInfo

	// Close は保持しているリソースを解放する
	Close() error
}

// ModelInfo は検出モデルの情報を表す
type ModelInfo struct {
	Path                string  `json:"model_path"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	IoUThreshold        float64 `json:"iou_threshold"`
	Loaded              bool    `json:"model_loaded"`
}
