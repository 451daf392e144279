package video

import "sync"

// Cache は最新フレームを1枚だけ保持する共有スロット
//
// 書き込みはキャプチャループのみ、読み取りは任意数のストリームセッションが行う。
// Publishはコピーを取り込み、Latestはコピーを返すため、読み取り側が
// 後続のPublishの影響を受けることはない。ロックはコピーの間だけ保持し、
// エンコードや待機をまたいで保持しない
type Cache struct {
	mu     sync.RWMutex
	latest *Frame
}

// NewCache は空のCacheを作成する
func NewCache() *Cache {
	return &Cache{}
}

// Publish はスロットを新しいフレームで上書きする
// 渡されたフレームの所有権は呼び出し側に残る（内部でコピーする）
func (c *Cache) Publish(frame *Frame) {
	cloned := frame.Clone()

	c.mu.Lock()
	old := c.latest
	c.latest = cloned
	// 書き込みロック中に解放するため、コピー中の読み取り側と衝突しない
	old.Close()
	c.mu.Unlock()
}

// Latest は最新フレームのコピーを返す
// フレームが未公開の場合は (nil, false) を返す
// 返されたフレームの解放は呼び出し側の責任
func (c *Cache) Latest() (*Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.latest == nil {
		return nil, false
	}
	return c.latest.Clone(), true
}

// HasFrame はフレームが公開済みかどうかを返す
func (c *Cache) HasFrame() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest != nil
}

// Shape は最新フレームの形状 (高さ, 幅, チャンネル数) を返す
// フレームが未公開の場合は (0, 0, 0) を返す
func (c *Cache) Shape() (int, int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.latest == nil {
		return 0, 0, 0
	}
	return c.latest.Shape()
}
