package hub

import "sync/atomic"

// FrameCache 只保存最新一帧，每次发布都会覆盖
// 可被生产者 goroutine 与任意数量的读者并发访问
type FrameCache struct {
	latest atomic.Pointer[Frame]
}

// NewFrameCache 创建空缓存
func NewFrameCache() *FrameCache {
	return &FrameCache{}
}

// Publish 原子替换缓存中的帧，后写者胜出
func (c *FrameCache) Publish(f *Frame) {
	if f == nil {
		return
	}
	c.latest.Store(f)
}

// Current 返回当前缓存帧，从未发布过时返回 false
func (c *FrameCache) Current() (*Frame, bool) {
	f := c.latest.Load()
	return f, f != nil
}
