package video

import (
	"context"
	"errors"
	"fmt"
)

// ErrEndOfStream はソースの終端に達したことを表す
// ファイルソースでは正常終了、ライブソースでは一時的な失敗として扱う
var ErrEndOfStream = errors.New("映像ソースの終端に達しました")

// ReadError はフレーム読み取りの失敗を表す
// Fatal がtrueの場合（デバイス消失など）はリトライせずループを終了する
type ReadError struct {
	Fatal bool
	Err   error
}

func (e *ReadError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("致命的な読み取りエラー: %v", e.Err)
	}
	return fmt.Sprintf("一時的な読み取りエラー: %v", e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsFatalRead はエラーが致命的な読み取り失敗かどうかを判定する
func IsFatalRead(err error) bool {
	var readErr *ReadError
	return errors.As(err, &readErr) && readErr.Fatal
}

// SourceConfig は映像ソースを開く際のパラメータ
// 解像度とFPSは要求値であり、実際に適用された値はSourceInfoで報告される
type SourceConfig struct {
	Identifier string // デバイス番号("0")・ファイルパス・URL
	Width      int
	Height     int
	FPS        int
}

// SourceInfo はオープン後に確定したソースの情報を表す
type SourceInfo struct {
	Identifier string
	Width      int     // 実際に適用された幅
	Height     int     // 実際に適用された高さ
	FPS        float64 // 実際に適用されたフレームレート
	Live       bool    // ライブソース（デバイス・ネットワーク）かどうか
}

// Source は映像ソースを統一するインターフェース
type Source interface {
	// Read は次のフレームを読み取る
	// 終端の場合はErrEndOfStream、失敗の場合は*ReadErrorを返す
	Read() (*Frame, error)

	// Info はオープン時に確定したソース情報を返す
	Info() SourceInfo

	// Close はリソースを解放する。複数回呼び出しても安全
	Close() error
}

// Opener は映像ソースを開く関数
// テストでは偽のソースを注入するために差し替える
type Opener func(ctx context.Context, cfg SourceConfig) (Source, error)
