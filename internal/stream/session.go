package stream

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"takanome/internal/video"
)

// Boundary はMJPEGのマルチパート境界文字列
const Boundary = "frame"

// Session は1つの接続に対するMJPEG配信セッション
//
// セッションごとに独立したペーシングクロックを持ち、他のセッションや
// キャプチャループの実レートに影響されない。キャッシュが空・エンコード失敗の
// 場合は代替画像を配信し、チャンクの欠落や不正なフレーミングを起こさない
type Session struct {
	id          string
	cache       *video.Cache
	encoder     *Encoder
	interval    time.Duration
	placeholder []byte
	lastEmit    time.Time
}

// NewSession は新しい配信セッションを作成する
// width/heightは代替画像のサイズに使う
func NewSession(cache *video.Cache, encoder *Encoder, fps, width, height int) (*Session, error) {
	placeholder, err := encoder.Placeholder(width, height)
	if err != nil {
		return nil, fmt.Errorf("代替画像の生成に失敗: %w", err)
	}

	return &Session{
		id:          uuid.New().String(),
		cache:       cache,
		encoder:     encoder,
		interval:    time.Second / time.Duration(fps),
		placeholder: placeholder,
	}, nil
}

// ID はセッションの識別子を返す
func (s *Session) ID() string {
	return s.id
}

// NextChunk は次のMJPEGチャンクを返す
// 前回の送出から配信間隔が経過するまで待機してからチャンクを構築する。
// コンテキストのキャンセルで待機を打ち切った場合はnilを返す
func (s *Session) NextChunk(ctx context.Context) []byte {
	payload := s.NextPayload(ctx)
	if payload == nil {
		return nil
	}

	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
		Boundary, len(payload))

	chunk := make([]byte, 0, len(header)+len(payload)+2)
	chunk = append(chunk, header...)
	chunk = append(chunk, payload...)
	chunk = append(chunk, "\r\n"...)
	return chunk
}

// NextPayload は次のJPEGペイロードをマルチパートのフレーミングなしで返す
// WebSocket配信のように独自のフレーミングを持つ経路で使う
func (s *Session) NextPayload(ctx context.Context) []byte {
	// セッション固有のペーシング
	if !s.lastEmit.IsZero() {
		if remaining := s.interval - time.Since(s.lastEmit); remaining > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(remaining):
			}
		}
	}
	s.lastEmit = time.Now()

	return s.buildPayload()
}

// buildPayload は最新フレームをエンコードする。失敗時は代替画像で埋める
func (s *Session) buildPayload() []byte {
	payload := s.placeholder

	if frame, ok := s.cache.Latest(); ok {
		encoded, err := s.encoder.Encode(frame)
		frame.Close()
		if err != nil {
			// エンコード失敗は非致命。このチャンクだけ代替画像で埋める
			log.Printf("セッション %s: エンコードに失敗したため代替画像を配信します: %v", s.id, err)
		} else {
			payload = encoded
		}
	}

	return payload
}
