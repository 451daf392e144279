package video

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

// fakeSource はテスト用の Source 実装
// readFnを差し替えることで終端・失敗・正常読み取りを再現する
type fakeSource struct {
	live   bool
	readFn func(readCount int) (*Frame, error)

	mu        sync.Mutex
	readCount int
	closed    int
}

func (f *fakeSource) Read() (*Frame, error) {
	f.mu.Lock()
	f.readCount++
	count := f.readCount
	f.mu.Unlock()
	return f.readFn(count)
}

func (f *fakeSource) Info() SourceInfo {
	return SourceInfo{Identifier: "fake", Width: 8, Height: 8, FPS: 30, Live: f.live}
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSource) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCount
}

// newTestFrame はテスト用の小さなフレームを作成する
func newTestFrame() *Frame {
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 128, 128, 0), 8, 8, gocv.MatTypeCV8UC3)
	return &Frame{Mat: mat, CapturedAt: time.Now()}
}

// fakeOpener は固定のソースを返すOpenerを作成する
func fakeOpener(source Source, openCount *atomic.Int32) Opener {
	return func(_ context.Context, _ SourceConfig) (Source, error) {
		if openCount != nil {
			openCount.Add(1)
		}
		return source, nil
	}
}

// waitForStatus は状態が期待値になるまで待つ
func waitForStatus(t *testing.T, svc *CaptureService, want Status, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if svc.GetStatus() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("状態が %s になりませんでした: 現在 %s", want, svc.GetStatus())
}

// TestCaptureStartIdempotent はStartの二重呼び出しでプロデューサーが
// 重複しないことをテストする
func TestCaptureStartIdempotent(t *testing.T) {
	source := &fakeSource{
		live:   true,
		readFn: func(int) (*Frame, error) { return newTestFrame(), nil },
	}

	var opens atomic.Int32
	svc := NewCaptureService(SourceConfig{Identifier: "fake", FPS: 100},
		fakeOpener(source, &opens), nil, NewCache())

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("二重開始でエラーが発生しました: %v", err)
	}

	if got := opens.Load(); got != 1 {
		t.Errorf("ソースが複数回開かれました: %d回", got)
	}

	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("停止に失敗しました: %v", err)
	}
}

// TestCaptureStopIdempotent は停止済みサービスのStopが無害であることをテストする
func TestCaptureStopIdempotent(t *testing.T) {
	source := &fakeSource{
		live:   true,
		readFn: func(int) (*Frame, error) { return newTestFrame(), nil },
	}

	svc := NewCaptureService(SourceConfig{Identifier: "fake", FPS: 100},
		fakeOpener(source, nil), nil, NewCache())

	ctx := context.Background()

	// 未開始でのStopは何もしない
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("未開始のStopでエラーが発生しました: %v", err)
	}

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("停止に失敗しました: %v", err)
	}
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("二重停止でエラーが発生しました: %v", err)
	}

	if svc.GetStatus() != StatusInactive {
		t.Errorf("停止後の状態が不正です: %s", svc.GetStatus())
	}
}

// TestCaptureOpenFailure はソースのオープン失敗がStartの呼び出し側に
// 返ることをテストする
func TestCaptureOpenFailure(t *testing.T) {
	opener := func(_ context.Context, _ SourceConfig) (Source, error) {
		return nil, fmt.Errorf("デバイスを開けません")
	}

	svc := NewCaptureService(SourceConfig{Identifier: "fake", FPS: 30},
		opener, nil, NewCache())

	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("オープン失敗がエラーとして返されませんでした")
	}
	if svc.IsActive() {
		t.Error("オープン失敗後にアクティブ状態になっています")
	}
}

// TestCaptureFileEndOfStream はファイルソースの終端でループが
// エラーなしで停止することをテストする
func TestCaptureFileEndOfStream(t *testing.T) {
	source := &fakeSource{
		live: false,
		readFn: func(count int) (*Frame, error) {
			if count > 3 {
				return nil, ErrEndOfStream
			}
			return newTestFrame(), nil
		},
	}

	cache := NewCache()
	svc := NewCaptureService(SourceConfig{Identifier: "clip.mp4", FPS: 100},
		fakeOpener(source, nil), nil, cache)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}

	// 終端は正常終了としてInactiveに遷移する（Errorではない）
	waitForStatus(t, svc, StatusInactive, time.Second)

	if !cache.HasFrame() {
		t.Error("終端前のフレームが公開されていません")
	}

	source.mu.Lock()
	closed := source.closed
	source.mu.Unlock()
	if closed == 0 {
		t.Error("終端後にソースが解放されていません")
	}
}

// TestCaptureLiveTransientFailure はライブソースの一時的な読み取り失敗で
// ループが停止しないことをテストする
func TestCaptureLiveTransientFailure(t *testing.T) {
	source := &fakeSource{
		live: true,
		readFn: func(count int) (*Frame, error) {
			// 2回目だけ失敗し、その後は正常に戻る
			if count == 2 {
				return nil, &ReadError{Fatal: false, Err: fmt.Errorf("一時的な失敗")}
			}
			return newTestFrame(), nil
		},
	}

	cache := NewCache()
	svc := NewCaptureService(SourceConfig{Identifier: "fake", FPS: 100},
		fakeOpener(source, nil), nil, cache)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}
	defer svc.Stop(context.Background())

	// 失敗サイクルを越えて読み取りが続くのを待つ
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && source.reads() < 5 {
		time.Sleep(5 * time.Millisecond)
	}

	if source.reads() < 5 {
		t.Fatal("一時的な失敗の後に読み取りが再開されませんでした")
	}
	if !svc.IsActive() {
		t.Error("一時的な失敗でループが停止しました")
	}
	if !cache.HasFrame() {
		t.Error("復帰後のフレームが公開されていません")
	}
}

// TestCaptureFatalReadFailure は致命的な読み取り失敗でループが
// エラー状態で終了することをテストする
func TestCaptureFatalReadFailure(t *testing.T) {
	source := &fakeSource{
		live: true,
		readFn: func(count int) (*Frame, error) {
			if count >= 2 {
				return nil, &ReadError{Fatal: true, Err: fmt.Errorf("デバイスが切断されました")}
			}
			return newTestFrame(), nil
		},
	}

	svc := NewCaptureService(SourceConfig{Identifier: "fake", FPS: 100},
		fakeOpener(source, nil), nil, NewCache())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}

	// 明示的なStopなしでactive=falseが観測できる
	waitForStatus(t, svc, StatusError, time.Second)

	if svc.IsActive() {
		t.Error("致命的エラー後もアクティブ状態のままです")
	}
}

// TestCaptureConsecutiveFailureLimit は連続失敗が上限に達したとき
// ループが終了することをテストする
func TestCaptureConsecutiveFailureLimit(t *testing.T) {
	source := &fakeSource{
		live: true,
		readFn: func(int) (*Frame, error) {
			return nil, &ReadError{Fatal: false, Err: fmt.Errorf("読み取り失敗")}
		},
	}

	svc := NewCaptureService(SourceConfig{Identifier: "fake", FPS: 1000},
		fakeOpener(source, nil), nil, NewCache())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}

	waitForStatus(t, svc, StatusError, 3*time.Second)

	if got := source.reads(); got < maxConsecutiveFailures {
		t.Errorf("上限前にループが終了しました: %d回", got)
	}
}

// TestCaptureRatePacing はキャプチャループが目標レート付近で
// 公開を繰り返すことをテストする
func TestCaptureRatePacing(t *testing.T) {
	if testing.Short() {
		t.Skip("時間のかかるテストをスキップします")
	}

	source := &fakeSource{
		live:   true,
		readFn: func(int) (*Frame, error) { return newTestFrame(), nil },
	}

	svc := NewCaptureService(SourceConfig{Identifier: "fake", FPS: 30},
		fakeOpener(source, nil), nil, NewCache())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}

	time.Sleep(time.Second)
	reads := source.reads()

	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("停止に失敗しました: %v", err)
	}

	// 30fps目標に対してジッタを許容する
	if reads < 20 || reads > 40 {
		t.Errorf("読み取り回数が目標レートから外れています: %d回 (期待: 約30回)", reads)
	}
}

// TestCaptureConcurrentStartStop は並行するStart/Stopがデッドロックせず
// 単一の最終状態に収束することをテストする
func TestCaptureConcurrentStartStop(t *testing.T) {
	source := &fakeSource{
		live:   true,
		readFn: func(int) (*Frame, error) { return newTestFrame(), nil },
	}

	svc := NewCaptureService(SourceConfig{Identifier: "fake", FPS: 100},
		fakeOpener(source, nil), nil, NewCache())

	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = svc.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			_ = svc.Stop(ctx)
		}()
	}

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(10 * time.Second):
		t.Fatal("並行するStart/Stopがデッドロックしました")
	}

	// 最終的に停止させ、状態が収束することを確認する
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("最終停止に失敗しました: %v", err)
	}
	if got := svc.GetStatus(); got != StatusInactive {
		t.Errorf("最終状態が不正です: %s", got)
	}
}
