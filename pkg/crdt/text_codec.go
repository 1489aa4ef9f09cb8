package crdt

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Vertex 是顶点的传输形式。
type Vertex struct {
	ID        string `msgpack:"id"`
	Origin    string `msgpack:"o"`
	Timestamp int64  `msgpack:"ts"`
	Value     rune   `msgpack:"v"`
	Deleted   bool   `msgpack:"d,omitempty"`
}

// Delta 是可合并的二进制增量：新插入的顶点和被删除的顶点 ID。
// 完整状态也是一个 Delta（包含全部顶点及其删除标记）。
type Delta struct {
	Inserts []Vertex `msgpack:"ins,omitempty"`
	Deletes []string `msgpack:"del,omitempty"`
}

// Empty 报告增量是否没有任何内容。
func (d Delta) Empty() bool {
	return len(d.Inserts) == 0 && len(d.Deletes) == 0
}

// Bytes 用 msgpack 编码增量。
func (d Delta) Bytes() ([]byte, error) {
	return msgpack.Marshal(&d)
}

// DecodeDelta 解码 msgpack 增量。
func DecodeDelta(data []byte) (Delta, error) {
	var d Delta
	if len(data) == 0 {
		return d, fmt.Errorf("%w: empty payload", ErrInvalidDelta)
	}
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	return d, nil
}

func (v *vertex) wire() Vertex {
	return Vertex{
		ID:        v.id,
		Origin:    v.origin,
		Timestamp: v.ts,
		Value:     v.value,
		Deleted:   v.deleted,
	}
}

// FullState 返回包含全部已知顶点的增量。
// 顶点按先序排列，保证 Origin 总在子节点之前；暂存内容也一并带上。
func (t *Text) FullState() Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebuildLocked()

	d := Delta{Inserts: make([]Vertex, 0, len(t.order)+len(t.pendingIDs))}
	for _, v := range t.order {
		d.Inserts = append(d.Inserts, v.wire())
	}

	origins := make([]string, 0, len(t.pendingInserts))
	for origin := range t.pendingInserts {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	for _, origin := range origins {
		d.Inserts = append(d.Inserts, t.pendingInserts[origin]...)
	}

	if len(t.pendingDeletes) > 0 {
		d.Deletes = make([]string, 0, len(t.pendingDeletes))
		for id := range t.pendingDeletes {
			d.Deletes = append(d.Deletes, id)
		}
		sort.Strings(d.Deletes)
	}
	return d
}

// EncodeFullState 编码完整状态。
func (t *Text) EncodeFullState() ([]byte, error) {
	return t.FullState().Bytes()
}
