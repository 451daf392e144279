package video

import (
	"time"

	"gocv.io/x/gocv"

	"takanome/internal/detect"
)

// Status はキャプチャの動作状態を表す
type Status string

const (
	StatusInactive Status = "inactive" // キャプチャは停止中
	StatusActive   Status = "active"   // キャプチャは動作中
	StatusError    Status = "error"    // 致命的エラーで停止
)

// Frame はキャプチャされた1枚の画像を表す
// 公開された後は変更されない。フレームと検出結果は1つの単位として扱う
type Frame struct {
	Mat        gocv.Mat           // 画素バッファ (BGR)
	CapturedAt time.Time          // キャプチャ時刻
	Detections []detect.Detection // このフレームに対する検出結果
}

// Clone はフレームの独立したコピーを返す
// 返されたフレームの解放は呼び出し側の責任
func (f *Frame) Clone() *Frame {
	dets := make([]detect.Detection, len(f.Detections))
	copy(dets, f.Detections)

	return &Frame{
		Mat:        f.Mat.Clone(),
		CapturedAt: f.CapturedAt,
		Detections: dets,
	}
}

// Close は画素バッファを解放する
func (f *Frame) Close() {
	if f == nil {
		return
	}
	_ = f.Mat.Close()
}

// Shape はフレームの形状 (高さ, 幅, チャンネル数) を返す
func (f *Frame) Shape() (int, int, int) {
	return f.Mat.Rows(), f.Mat.Cols(), f.Mat.Channels()
}
