package video

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"takanome/internal/detect"
)

const (
	// stopTimeout は停止時にループの終了を待つ上限
	stopTimeout = 2 * time.Second

	// maxConsecutiveFailures はライブソースの連続読み取り失敗の上限
	// 上限に達した場合は致命的エラーとしてループを終了する
	maxConsecutiveFailures = 30
)

// CaptureService はキャプチャループのライフサイクルを管理する
//
// Start/Stopは並行して呼び出されても安全で、どちらも冪等。
// ループはフレームの読み取り・検出・公開・レート調整を繰り返し、
// 停止シグナルまたは致命的エラーで終了する
type CaptureService struct {
	cfg      SourceConfig
	opener   Opener
	detector detect.Detector // nilの場合はフレームをそのまま公開する
	cache    *Cache

	mu         sync.Mutex
	status     Status
	source     Source
	sourceInfo SourceInfo
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewCaptureService は新しいCaptureServiceを作成する
// detectorはnil可（検出なしで配信する）
func NewCaptureService(cfg SourceConfig, opener Opener, detector detect.Detector, cache *Cache) *CaptureService {
	if opener == nil {
		opener = OpenGoCVSource
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &CaptureService{
		cfg:      cfg,
		opener:   opener,
		detector: detector,
		cache:    cache,
		status:   StatusInactive,
	}
}

// Start はキャプチャループを開始する
// 既に動作中の場合は何もしない。ソースのオープン失敗は呼び出し側に返す
func (s *CaptureService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusActive {
		return nil // 既に開始済み
	}

	source, err := s.opener(ctx, s.cfg)
	if err != nil {
		s.status = StatusError
		return fmt.Errorf("キャプチャの開始に失敗: %w", err)
	}

	s.source = source
	s.sourceInfo = source.Info()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.status = StatusActive

	go s.run(source, s.stopCh, s.doneCh)

	log.Printf("キャプチャを開始しました: %s", s.cfg.Identifier)
	return nil
}

// Stop はキャプチャループを停止する
// 既に停止している場合は何もしない。ループの終了を上限付きで待つ
func (s *CaptureService) Stop(_ context.Context) error {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return nil // 既に停止済み
	}

	// 先に状態を遷移させ、並行するStopを1回に畳む
	s.status = StatusInactive
	source := s.source
	doneCh := s.doneCh
	close(s.stopCh)
	s.mu.Unlock()

	// ループの終了を待つ（ロックを持たずに待機する）
	select {
	case <-doneCh:
	case <-time.After(stopTimeout):
		log.Printf("キャプチャループの終了待ちがタイムアウトしました")
	}

	// Closeは冪等なため、ループ側の解放と競合しても安全
	if err := source.Close(); err != nil {
		return fmt.Errorf("映像ソースのクローズに失敗: %w", err)
	}

	log.Printf("キャプチャを停止しました")
	return nil
}

// IsActive はキャプチャが動作中かどうかを返す
func (s *CaptureService) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusActive
}

// GetStatus は現在の状態を返す
func (s *CaptureService) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SourceInfo は最後に開いたソースの情報を返す
// 一度も開いていない場合は要求値をそのまま返す
func (s *CaptureService) SourceInfo() SourceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sourceInfo.Identifier == "" {
		return SourceInfo{
			Identifier: s.cfg.Identifier,
			Width:      s.cfg.Width,
			Height:     s.cfg.Height,
			FPS:        float64(s.cfg.FPS),
		}
	}
	return s.sourceInfo
}

// Cache は公開先のフレームキャッシュを返す
func (s *CaptureService) Cache() *Cache {
	return s.cache
}

// run はキャプチャループ本体
// 読み取り → 検出 → 公開 → レート調整 を停止シグナルまで繰り返す
func (s *CaptureService) run(source Source, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	interval := time.Second / time.Duration(s.cfg.FPS)
	consecutiveFailures := 0
	terminal := StatusInactive

loop:
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		cycleStart := time.Now()

		frame, err := source.Read()
		switch {
		case err == nil:
			consecutiveFailures = 0
			s.processFrame(frame)

		case errors.Is(err, ErrEndOfStream) && !source.Info().Live:
			// ファイルの終端は正常終了
			log.Printf("映像ファイルの終端に達しました: %s", s.cfg.Identifier)
			break loop

		case IsFatalRead(err):
			log.Printf("キャプチャループを終了します: %v", err)
			terminal = StatusError
			break loop

		default:
			// ライブソースの一時的な失敗はリトライする
			consecutiveFailures++
			log.Printf("フレームの読み取りに失敗 (%d/%d): %v",
				consecutiveFailures, maxConsecutiveFailures, err)
			if consecutiveFailures >= maxConsecutiveFailures {
				log.Printf("読み取り失敗が連続上限に達したため停止します")
				terminal = StatusError
				break loop
			}
		}

		// 目標レートに合わせて残り時間だけ待機する
		// サイクルが間に合わない場合は待たずに次へ進む（破綻させない）
		if remaining := interval - time.Since(cycleStart); remaining > 0 {
			select {
			case <-stopCh:
				return
			case <-time.After(remaining):
			}
		}
	}

	// ループ自身による終了。Stop経由の場合はここに到達しない
	// doneChの同一性で世代を確認し、再開始された新しいループの状態を壊さない
	s.mu.Lock()
	if s.status == StatusActive && s.doneCh == doneCh {
		s.status = terminal
	}
	s.mu.Unlock()
	_ = source.Close()
}

// processFrame は検出ステージを適用してフレームをキャッシュに公開する
func (s *CaptureService) processFrame(frame *Frame) {
	defer frame.Close()

	if s.detector == nil {
		s.cache.Publish(frame)
		return
	}

	// 検出のレイテンシに上限は設けない。公開が遅れるだけで
	// ストリーム側は前のフレームを配信し続ける
	annotated, detections, err := s.detector.Detect(frame.Mat)
	if err != nil {
		// 検出失敗は非致命。このサイクルは注釈なしで公開する
		log.Printf("検出に失敗したためフレームをそのまま公開します: %v", err)
		s.cache.Publish(frame)
		return
	}

	annotatedFrame := &Frame{
		Mat:        annotated,
		CapturedAt: frame.CapturedAt,
		Detections: detections,
	}
	s.cache.Publish(annotatedFrame)
	annotatedFrame.Close()
}
