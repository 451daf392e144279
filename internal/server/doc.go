// Package server はHTTPサーバーとAPIハンドラの実装です
//
// # 責務
// - ginルーターの構築とエンドポイントの公開
// - MJPEGストリーミングとWebSocket配信の接続管理
// - キャプチャのライフサイクル操作（開始・停止・状態照会）の公開
// - グレースフルシャットダウン
//
// # 仕様
// - GET  /health           : ヘルスチェック
// - GET  /info             : アプリケーション・モデル・映像の情報
// - GET  /                 : /api/video/stream へリダイレクト
// - GET  /api/video/stream : multipart/x-mixed-replace のMJPEGストリーム
// - GET  /api/video/status : キャプチャ状態 {active, frame_shape, source}
// - POST /api/video/start  : キャプチャ開始（冪等）
// - POST /api/video/stop   : キャプチャ停止（冪等）
// - GET  /api/video/ws     : WebSocketによるJPEGフレーム配信
package server
