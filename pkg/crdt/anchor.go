package crdt

import "fmt"

// Anchor 是不随并发编辑漂移的位置：位于字符 After 之后。
// After 为 RootID 表示文档开头。字符被删除后，锚点落在删除区间的左边界。
type Anchor struct {
	After string
}

// AnchorAt 把整数位置转换为锚点。
func (t *Text) AnchorAt(pos int) (Anchor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebuildLocked()

	if pos < 0 || pos > len(t.visibleIdx) {
		return Anchor{}, fmt.Errorf("%w: anchor %d, len %d", ErrOutOfRange, pos, len(t.visibleIdx))
	}
	if pos == 0 {
		return Anchor{After: RootID}, nil
	}
	return Anchor{After: t.order[t.visibleIdx[pos-1]].id}, nil
}

// Resolve 返回锚点在当前文本中的整数位置。
func (t *Text) Resolve(a Anchor) (int, error) {
	if a.After == RootID {
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebuildLocked()

	pos, ok := t.rank[a.After]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAnchor, a.After)
	}
	return pos, nil
}

// Clamp 把位置限制在 [0, Len] 内。
func (t *Text) Clamp(pos int) int {
	return ClampPosition(pos, t.Len())
}

// ClampPosition 把 pos 限制在 [0, length] 内。
func ClampPosition(pos, length int) int {
	if pos < 0 {
		return 0
	}
	if pos > length {
		return length
	}
	return pos
}
