// Package stream はフレームのJPEGエンコードとMJPEG配信セッションを担う
package stream

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"takanome/internal/video"
)

// placeholderText はフレーム未取得時に表示するメッセージ
const placeholderText = "No Video Feed"

// Encoder はフレームをJPEGバイト列に変換する
// 同じ入力と品質に対して決定的に動作し、状態を持たない
type Encoder struct {
	quality int
}

// NewEncoder は指定されたJPEG品質 (1-100) のEncoderを作成する
func NewEncoder(quality int) *Encoder {
	return &Encoder{quality: quality}
}

// Quality は設定されたJPEG品質を返す
func (e *Encoder) Quality() int {
	return e.quality
}

// Encode はフレームをJPEGに圧縮する
func (e *Encoder) Encode(frame *video.Frame) ([]byte, error) {
	return e.encodeMat(frame.Mat)
}

func (e *Encoder) encodeMat(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat,
		[]int{gocv.IMWriteJpegQuality, e.quality})
	if err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	defer buf.Close()

	// バッファはClose後に無効になるためコピーを返す
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}

// Placeholder はフレームが無いときに配信する代替画像を生成する
// 黒背景の中央に固定メッセージを描画する
func (e *Encoder) Placeholder(width, height int) ([]byte, error) {
	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	defer mat.Close()

	white := color.RGBA{255, 255, 255, 0}
	textSize := gocv.GetTextSize(placeholderText, gocv.FontHersheySimplex, 1, 2)
	origin := image.Pt((width-textSize.X)/2, (height+textSize.Y)/2)
	gocv.PutText(&mat, placeholderText, origin, gocv.FontHersheySimplex, 1, white, 2)

	return e.encodeMat(mat)
}
