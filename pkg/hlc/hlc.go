package hlc

import (
	"sync"
	"time"
)

// Clock 是混合逻辑时钟。
// 时间戳被打包为 int64：
//   - 高 48 位：物理时间 (毫秒)，从 Unix Epoch 开始。
//   - 低 16 位：逻辑计数器。
//
// 文本 CRDT 用它给每个插入的字符排序，协议消息用它标注发送时间。
type Clock struct {
	mu     sync.Mutex
	latest int64
	wall   func() time.Time
}

const (
	logicalBits = 16
	logicalMask = 0xFFFF
)

// Option 配置 Clock。
type Option func(*Clock)

// WithWallClock 替换物理时间来源，测试中用来固定时间。
func WithWallClock(fn func() time.Time) Option {
	return func(c *Clock) {
		if fn != nil {
			c.wall = fn
		}
	}
}

// New 创建一个新的 HLC 时钟。
func New(opts ...Option) *Clock {
	c := &Clock{wall: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pack 把物理毫秒和逻辑计数打包成时间戳。
func Pack(physical int64, logical int64) int64 {
	return physical<<logicalBits | (logical & logicalMask)
}

// Physical 返回时间戳的物理部分 (Unix Milli)。
func Physical(ts int64) int64 {
	return ts >> logicalBits
}

// Logical 返回时间戳的逻辑部分。
func Logical(ts int64) uint16 {
	return uint16(ts & logicalMask)
}

// Now 返回严格大于此前任何返回值或观察值的时间戳。
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.wall().UnixMilli()
	oldPhys, oldLogical := Physical(c.latest), int64(Logical(c.latest))

	newPhys, newLogical := phys, int64(0)
	if phys <= oldPhys {
		newPhys = oldPhys
		newLogical = oldLogical + 1
	}
	// 逻辑计数溢出时向物理部分借位
	if newLogical > logicalMask {
		newPhys++
		newLogical = 0
	}

	c.latest = Pack(newPhys, newLogical)
	return c.latest
}

// Update 根据接收到的远程时间戳推进本地时钟。
func (c *Clock) Update(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.wall().UnixMilli()
	remotePhys, remoteLogical := Physical(remote), int64(Logical(remote))
	oldPhys, oldLogical := Physical(c.latest), int64(Logical(c.latest))

	newPhys := max(oldPhys, remotePhys, phys)

	var newLogical int64
	switch {
	case newPhys == oldPhys && newPhys == remotePhys:
		newLogical = max(oldLogical, remoteLogical) + 1
	case newPhys == oldPhys:
		newLogical = oldLogical + 1
	case newPhys == remotePhys:
		newLogical = remoteLogical + 1
	}

	if newLogical > logicalMask {
		newPhys++
		newLogical = 0
	}

	c.latest = Pack(newPhys, newLogical)
}

// Observe 只在远程时间戳更大时推进时钟，不消耗逻辑计数。
// 合并大量远程字符时使用，避免每个字符都读取一次物理时间。
func (c *Clock) Observe(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote > c.latest {
		c.latest = remote
	}
}

// Latest 返回当前已知的最大时间戳。
func (c *Clock) Latest() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Compare 比较两个 HLC 时间戳，a > b 返回 1，相等返回 0，否则 -1。
func Compare(a, b int64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// Time 把时间戳的物理部分转换为 time.Time。
func Time(ts int64) time.Time {
	return time.UnixMilli(Physical(ts))
}
