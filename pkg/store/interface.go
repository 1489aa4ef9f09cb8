package store

import (
	"errors"
	"time"
)

var (
	ErrKeyNotFound = errors.New("store: key not found")
	ErrClosed      = errors.New("store: closed")
)

// Store 是本地持久化 KV 存储接口 (例如 BadgerDB)。
// 会话引擎用它记录页面卸载前的提示，以便下次启动时展示。
type Store interface {
	// Close 关闭存储。
	Close() error

	// View 执行只读事务。
	View(fn func(Tx) error) error

	// Update 执行读写事务。
	Update(fn func(Tx) error) error
}

// Tx 代表事务。
type Tx interface {
	// Set 设置键的值。ttl 为 0 表示不过期。
	Set(key, value []byte, ttl time.Duration) error

	// Get 获取键的值。
	// 如果键不存在返回 ErrKeyNotFound。
	Get(key []byte) ([]byte, error)

	// Delete 删除键。
	Delete(key []byte) error

	// NewIterator 创建前缀迭代器。
	NewIterator(prefix []byte) Iterator
}

// Iterator 遍历存储中的键。
type Iterator interface {
	// Rewind 将迭代器移动到范围的开头。
	Rewind()

	// Valid 如果迭代器指向有效的键，则返回 true。
	Valid() bool

	// Next 将迭代器移动到下一个键。
	Next()

	// Item 返回当前项（键和值）。
	Item() (key, value []byte, err error)

	// Close 关闭迭代器。
	Close()
}
