package detect

import (
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// YOLODetector はgocvのDNNモジュールでONNX形式のYOLOモデルを実行する
type YOLODetector struct {
	net        gocv.Net
	modelPath  string
	confThresh float64
	iouThresh  float64
	inputSize  int
	classNames []string

	// gocv.Netはスレッドセーフではないため直列化する
	mu sync.Mutex
}

// Options はYOLODetectorの設定
type Options struct {
	ModelPath           string
	ConfidenceThreshold float64
	IoUThreshold        float64
	InputSize           int
	ClassNames          []string
}

// NewYOLODetector はONNXモデルを読み込んで検出器を作成する
func NewYOLODetector(opts Options) (*YOLODetector, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("モデルファイルが見つかりません: %s: %w", opts.ModelPath, err)
	}

	log.Printf("YOLOモデルを読み込んでいます: %s", opts.ModelPath)
	net := gocv.ReadNetFromONNX(opts.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("モデルの読み込みに失敗: %s", opts.ModelPath)
	}

	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		return nil, fmt.Errorf("DNNバックエンドの設定に失敗: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		return nil, fmt.Errorf("DNNターゲットの設定に失敗: %w", err)
	}

	classNames := opts.ClassNames
	if len(classNames) == 0 {
		classNames = []string{"drone"}
	}

	inputSize := opts.InputSize
	if inputSize <= 0 {
		inputSize = 640
	}

	log.Printf("モデルの読み込みが完了しました")

	return &YOLODetector{
		net:        net,
		modelPath:  opts.ModelPath,
		confThresh: opts.ConfidenceThreshold,
		iouThresh:  opts.IoUThreshold,
		inputSize:  inputSize,
		classNames: classNames,
	}, nil
}

// Detect はフレームに対して推論を実行し、注釈付きのコピーと検出結果を返す
func (d *YOLODetector) Detect(frame gocv.Mat) (gocv.Mat, []Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	annotated := frame.Clone()

	blob := gocv.BlobFromImage(frame, 1.0/255.0,
		image.Pt(d.inputSize, d.inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	detections := d.parseOutput(output, frame.Cols(), frame.Rows())

	// 検出結果をフレームに描画
	for _, det := range detections {
		drawDetection(&annotated, det)
	}

	return annotated, detections, nil
}

// parseOutput はYOLOの出力テンソルを検出結果に変換する
// 行ごとに (cx, cy, w, h, obj, class scores...) が並ぶ形式を想定する
func (d *YOLODetector) parseOutput(output gocv.Mat, frameWidth, frameHeight int) []Detection {
	// 3次元 (1, rows, cols) の出力を2次元に畳む
	out := output
	if output.Total() > 0 && output.Rows() <= 0 {
		sizes := output.Size()
		if len(sizes) == 3 {
			reshaped := output.Reshape(1, sizes[1])
			defer reshaped.Close()
			out = reshaped
		}
	}

	scaleX := float32(frameWidth) / float32(d.inputSize)
	scaleY := float32(frameHeight) / float32(d.inputSize)

	var boxes []image.Rectangle
	var scores []float32
	var classIDs []int

	for i := 0; i < out.Rows(); i++ {
		objectness := out.GetFloatAt(i, 4)

		// クラススコアの最大値を探す
		classID := 0
		maxScore := float32(0)
		for c := 5; c < out.Cols(); c++ {
			score := out.GetFloatAt(i, c)
			if score > maxScore {
				maxScore = score
				classID = c - 5
			}
		}

		confidence := objectness * maxScore
		if float64(confidence) < d.confThresh || classID >= len(d.classNames) {
			continue
		}

		// 中心座標+幅高さを元フレームの座標に変換
		cx := out.GetFloatAt(i, 0) * scaleX
		cy := out.GetFloatAt(i, 1) * scaleY
		w := out.GetFloatAt(i, 2) * scaleX
		h := out.GetFloatAt(i, 3) * scaleY

		left := int(cx - w/2)
		top := int(cy - h/2)
		boxes = append(boxes, image.Rect(left, top, left+int(w), top+int(h)))
		scores = append(scores, confidence)
		classIDs = append(classIDs, classID)
	}

	if len(boxes) == 0 {
		return nil
	}

	// 重複した検出をNMSで除去する
	indices := gocv.NMSBoxes(boxes, scores, float32(d.confThresh), float32(d.iouThresh))

	detections := make([]Detection, 0, len(indices))
	for _, idx := range indices {
		rect := boxes[idx].Intersect(image.Rect(0, 0, frameWidth, frameHeight))
		if rect.Empty() {
			continue
		}
		detections = append(detections, Detection{
			Box:        rect,
			Confidence: float64(scores[idx]),
			Label:      d.classNames[classIDs[idx]],
		})
	}

	return detections
}

// Info はモデル情報を返す
func (d *YOLODetector) Info() ModelInfo {
	return ModelInfo{
		Path:                d.modelPath,
		ConfidenceThreshold: d.confThresh,
		IoUThreshold:        d.iouThresh,
		Loaded:              true,
	}
}

// Close はDNNネットワークを解放する
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

// 検出枠の描画色
var (
	boxColor   = color.RGBA{0, 255, 0, 0}
	labelColor = color.RGBA{0, 0, 0, 0}
)

// drawDetection はバウンディングボックスとラベルをフレームに描画する
func drawDetection(img *gocv.Mat, det Detection) {
	gocv.Rectangle(img, det.Box, boxColor, 2)

	label := fmt.Sprintf("%s %.2f", det.Label, det.Confidence)
	labelSize := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.6, 2)

	// ラベルの背景を塗りつぶす
	bg := image.Rect(
		det.Box.Min.X, det.Box.Min.Y-labelSize.Y-10,
		det.Box.Min.X+labelSize.X, det.Box.Min.Y,
	)
	gocv.Rectangle(img, bg, boxColor, -1)

	gocv.PutText(img, label,
		image.Pt(det.Box.Min.X, det.Box.Min.Y-5),
		gocv.FontHersheySimplex, 0.6, labelColor, 2)
}
