package video

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// GoCVSource はOpenCVのVideoCaptureを使う Source 実装
// デバイス番号・動画ファイル・ネットワークURLを同じインターフェースで扱う
type GoCVSource struct {
	capture *gocv.VideoCapture
	info    SourceInfo

	mu     sync.Mutex
	closed bool
}

// OpenGoCVSource は識別子からソースを開き、実際の解像度とFPSを確定する
func OpenGoCVSource(_ context.Context, cfg SourceConfig) (Source, error) {
	var capture *gocv.VideoCapture
	var err error

	live := classifyLive(cfg.Identifier)

	if deviceID, convErr := strconv.Atoi(cfg.Identifier); convErr == nil {
		capture, err = gocv.OpenVideoCapture(deviceID)
	} else {
		capture, err = gocv.OpenVideoCapture(cfg.Identifier)
	}
	if err != nil {
		return nil, fmt.Errorf("映像ソースのオープンに失敗: %s: %w", cfg.Identifier, err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return nil, fmt.Errorf("映像ソースを開けません: %s", cfg.Identifier)
	}

	// 要求値を設定する（デバイスが無視する場合もある）
	capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	capture.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))

	// 実際に適用された値を読み戻す
	info := SourceInfo{
		Identifier: cfg.Identifier,
		Width:      int(capture.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(capture.Get(gocv.VideoCaptureFrameHeight)),
		FPS:        capture.Get(gocv.VideoCaptureFPS),
		Live:       live,
	}

	log.Printf("映像ソースを開きました: %s (%dx%d @ %.1f FPS, live=%v)",
		cfg.Identifier, info.Width, info.Height, info.FPS, info.Live)

	return &GoCVSource{capture: capture, info: info}, nil
}

// classifyLive は識別子がライブソースかどうかを判定する
// デバイス番号とネットワークURLはライブ、存在するファイルパスはファイルソース
func classifyLive(identifier string) bool {
	if _, err := strconv.Atoi(identifier); err == nil {
		return true
	}
	if strings.Contains(identifier, "://") {
		return true
	}
	if _, err := os.Stat(identifier); err == nil {
		return false
	}
	// 不明な識別子はライブとして扱い、一時的な失敗をリトライする
	return true
}

// Read は次のフレームを読み取る
func (s *GoCVSource) Read() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &ReadError{Fatal: true, Err: fmt.Errorf("ソースは既にクローズされています")}
	}

	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok {
		_ = mat.Close()

		// ファイルソースの読み取り終了は終端として報告する
		if !s.info.Live {
			return nil, ErrEndOfStream
		}

		// デバイスがクローズされた場合は復旧の見込みがない
		if !s.capture.IsOpened() {
			return nil, &ReadError{Fatal: true, Err: fmt.Errorf("デバイスが切断されました: %s", s.info.Identifier)}
		}

		return nil, &ReadError{Fatal: false, Err: fmt.Errorf("フレームの読み取りに失敗")}
	}

	if mat.Empty() {
		_ = mat.Close()
		return nil, &ReadError{Fatal: false, Err: fmt.Errorf("空のフレームを受信")}
	}

	return &Frame{Mat: mat, CapturedAt: time.Now()}, nil
}

// Info はソース情報を返す
func (s *GoCVSource) Info() SourceInfo {
	return s.info
}

// Close はキャプチャデバイスを解放する。複数回呼び出しても安全
func (s *GoCVSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.capture.Close()
}
