package stream

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"takanome/internal/video"
)

// newSessionForTest はテスト用のセッションを作成する
func newSessionForTest(t *testing.T, cache *video.Cache, fps int) *Session {
	t.Helper()

	session, err := NewSession(cache, NewEncoder(80), fps, 64, 48)
	if err != nil {
		t.Fatalf("セッションの作成に失敗しました: %v", err)
	}
	return session
}

// publishTestFrame はテスト用フレームをキャッシュに公開する
func publishTestFrame(t *testing.T, cache *video.Cache) {
	t.Helper()

	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 128, 128, 0), 48, 64, gocv.MatTypeCV8UC3)
	frame := &video.Frame{Mat: mat, CapturedAt: time.Now()}
	cache.Publish(frame)
	frame.Close()
}

// TestSessionEmptyCacheReturnsPlaceholder はキャッシュが空のとき最初の
// チャンクが代替画像になることをテストする（エラーやブロックではなく）
func TestSessionEmptyCacheReturnsPlaceholder(t *testing.T) {
	cache := video.NewCache()
	session := newSessionForTest(t, cache, 30)

	start := time.Now()
	chunk := session.NextChunk(context.Background())
	elapsed := time.Since(start)

	if chunk == nil {
		t.Fatal("空のキャッシュでチャンクが返されませんでした")
	}
	// 初回チャンクはペーシング待ちなしで返る
	if elapsed > 100*time.Millisecond {
		t.Errorf("初回チャンクの取得がブロックしました: %v", elapsed)
	}

	// マルチパートのフレーミングを検証する
	if !bytes.HasPrefix(chunk, []byte("--"+Boundary+"\r\nContent-Type: image/jpeg\r\n")) {
		t.Errorf("チャンクヘッダーが不正です: %q", chunk[:40])
	}
	if !bytes.HasSuffix(chunk, []byte("\r\n")) {
		t.Error("チャンクの終端が不正です")
	}

	// ペイロードが空でないJPEGであることを確認する
	payload := extractPayload(t, chunk)
	if len(payload) == 0 {
		t.Fatal("ペイロードが空です")
	}
	decoded, err := gocv.IMDecode(payload, gocv.IMReadColor)
	if err != nil {
		t.Fatalf("ペイロードのデコードに失敗しました: %v", err)
	}
	defer decoded.Close()
}

// TestSessionServesLatestFrame は公開済みフレームがチャンクとして
// 配信されることをテストする
func TestSessionServesLatestFrame(t *testing.T) {
	cache := video.NewCache()
	publishTestFrame(t, cache)

	session := newSessionForTest(t, cache, 30)
	chunk := session.NextChunk(context.Background())
	if chunk == nil {
		t.Fatal("チャンクが返されませんでした")
	}

	payload := extractPayload(t, chunk)
	decoded, err := gocv.IMDecode(payload, gocv.IMReadColor)
	if err != nil {
		t.Fatalf("ペイロードのデコードに失敗しました: %v", err)
	}
	defer decoded.Close()

	if decoded.Rows() != 48 || decoded.Cols() != 64 {
		t.Errorf("配信されたフレームの形状が一致しません: %dx%d", decoded.Cols(), decoded.Rows())
	}
}

// TestSessionContextCancel はコンテキストのキャンセルで待機が
// 打ち切られることをテストする
func TestSessionContextCancel(t *testing.T) {
	cache := video.NewCache()
	session := newSessionForTest(t, cache, 1) // 1fps = 1秒間隔

	ctx, cancel := context.WithCancel(context.Background())

	// 初回チャンクでペーシングクロックを進める
	if chunk := session.NextChunk(ctx); chunk == nil {
		t.Fatal("初回チャンクが返されませんでした")
	}

	// 2回目の待機中にキャンセルする
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	chunk := session.NextChunk(ctx)
	if chunk != nil {
		t.Error("キャンセル後にチャンクが返されました")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("キャンセルで待機が打ち切られませんでした")
	}
}

// TestSessionsIndependentPacing は異なるレートの2つのセッションが
// それぞれ自分のレートで配信することをテストする
func TestSessionsIndependentPacing(t *testing.T) {
	if testing.Short() {
		t.Skip("時間のかかるテストをスキップします")
	}

	cache := video.NewCache()
	publishTestFrame(t, cache)

	measure := func(fps, chunks int) time.Duration {
		session := newSessionForTest(t, cache, fps)
		ctx := context.Background()

		// 初回はペーシング待ちなしのため計測から除外する
		session.NextChunk(ctx)

		start := time.Now()
		for i := 0; i < chunks; i++ {
			if chunk := session.NextChunk(ctx); chunk == nil {
				t.Errorf("チャンクが返されませんでした")
				return 0
			}
		}
		return time.Since(start) / time.Duration(chunks)
	}

	var wg sync.WaitGroup
	var fast, slow time.Duration

	wg.Add(2)
	go func() {
		defer wg.Done()
		fast = measure(20, 6) // 50ms間隔
	}()
	go func() {
		defer wg.Done()
		slow = measure(5, 3) // 200ms間隔
	}()
	wg.Wait()

	// 各セッションが互いに影響されず自分の間隔に収まることを確認する
	if fast < 35*time.Millisecond || fast > 100*time.Millisecond {
		t.Errorf("20fpsセッションの間隔が目標から外れています: %v", fast)
	}
	if slow < 150*time.Millisecond || slow > 320*time.Millisecond {
		t.Errorf("5fpsセッションの間隔が目標から外れています: %v", slow)
	}
}

// extractPayload はチャンクからJPEGペイロードを取り出す
func extractPayload(t *testing.T, chunk []byte) []byte {
	t.Helper()

	headerEnd := bytes.Index(chunk, []byte("\r\n\r\n"))
	if headerEnd == -1 {
		t.Fatal("チャンクヘッダーの終端が見つかりません")
	}
	return chunk[headerEnd+4 : len(chunk)-2]
}
