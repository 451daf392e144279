// Package video は映像のキャプチャと最新フレームの配布を担う
//
// # 責務
// - 映像ソース（デバイス・ファイル・URL）のオープンとフレーム読み取り
// - キャプチャループのライフサイクル管理（開始・停止・状態照会）
// - 検出ステージの適用と注釈付きフレームの生成
// - 単一スロットのフレームキャッシュによる最新フレームの公開
//
// # 仕様
// - 書き込みはキャプチャループの1ゴルーチンのみ、読み取りは任意数
// - キャッシュはコピーイン・コピーアウト方式で、破れたフレームは観測されない
// - ファイルソースの終端はエラーではなく正常終了として扱う
// - ライブソースの一時的な読み取り失敗はリトライし、連続失敗が
//   上限に達した場合のみ致命的エラーとしてループを終了する
// - 消費側が遅くてもキャプチャループは待たされない（上書き方式）
package video
