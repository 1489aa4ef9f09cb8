package crdt

import "errors"

var (
	// ErrInvalidDelta 表示增量无法解码或包含非法顶点。
	ErrInvalidDelta = errors.New("crdt: invalid delta")
	// ErrOutOfRange 表示编辑位置超出文档范围。
	ErrOutOfRange = errors.New("crdt: position out of range")
	// ErrUnknownAnchor 表示锚点引用的字符在本副本中不存在。
	ErrUnknownAnchor = errors.New("crdt: unknown anchor")
)

// Document 是会话引擎依赖的复制文档接口。
// 合并必须满足交换律、结合律和幂等性，投递顺序不影响最终文本。
type Document interface {
	// ApplyLocalEdit 在 pos 处删除 deleteCount 个字符后插入 insert，返回要广播的增量。
	ApplyLocalEdit(pos, deleteCount int, insert string) (Delta, error)

	// MergeRemoteDelta 合并远程增量（或完整状态），返回可见内容是否可能变化。
	MergeRemoteDelta(data []byte) (bool, error)

	// Materialize 返回当前文本。
	Materialize() string

	// EncodeFullState 编码完整状态，供新加入的副本一次性合并。
	EncodeFullState() ([]byte, error)

	// Len 返回可见字符数（按 rune 计）。
	Len() int

	// AnchorAt 把位置转换为不随并发编辑漂移的锚点。
	AnchorAt(pos int) (Anchor, error)

	// Resolve 返回锚点的当前位置；锚点字符被删除后落在删除区间的左边界。
	Resolve(a Anchor) (int, error)

	// Clamp 把位置限制在 [0, Len] 内。
	Clamp(pos int) int
}

var _ Document = (*Text)(nil)
