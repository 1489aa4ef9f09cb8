package crdt

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/shinyes/pairsync/pkg/hlc"
)

// RootID 是所有副本共享的虚拟头节点 ID。
const RootID = "root"

// Text 是基于 RGA (Replicated Growable Array) 的协同文本。
// 每个字符是一棵插入树上的顶点：Origin 为插入时左侧字符，
// 同一 Origin 下的兄弟按 (Timestamp, ID) 降序排列，文档顺序为先序遍历。
type Text struct {
	mu      sync.Mutex
	clock   *hlc.Clock
	replica string
	seq     uint64

	vertices map[string]*vertex
	// Origin -> 子节点，按 childComesBefore 排序
	children map[string][]*vertex

	// 依赖尚未到达的远程插入，按缺失的 Origin 分组
	pendingInserts map[string][]Vertex
	pendingIDs     map[string]struct{}
	// 删除先于插入到达时暂存
	pendingDeletes map[string]struct{}

	// 先序遍历缓存，dirty 时重建
	order      []*vertex
	visibleIdx []int
	rank       map[string]int
	dirty      bool
}

type vertex struct {
	id      string
	origin  string
	ts      int64
	value   rune
	deleted bool
}

// NewText 创建空文档。clock 为 nil 时使用新的 HLC。
func NewText(clock *hlc.Clock) *Text {
	if clock == nil {
		clock = hlc.New()
	}
	root := &vertex{id: RootID, deleted: true}
	return &Text{
		clock:          clock,
		replica:        uuid.NewString(),
		vertices:       map[string]*vertex{RootID: root},
		children:       make(map[string][]*vertex),
		pendingInserts: make(map[string][]Vertex),
		pendingIDs:     make(map[string]struct{}),
		pendingDeletes: make(map[string]struct{}),
		rank:           make(map[string]int),
	}
}

func (t *Text) nextIDLocked() string {
	t.seq++
	return t.replica + "." + strconv.FormatUint(t.seq, 36)
}

// childComesBefore: Timestamp 降序，其次 ID 降序。
func childComesBefore(left, right *vertex) bool {
	if left.ts != right.ts {
		return left.ts > right.ts
	}
	return left.id > right.id
}

// insertChildSorted 把 v 插入已排序的兄弟列表。
func insertChildSorted(children []*vertex, v *vertex) []*vertex {
	lo, hi := 0, len(children)
	for lo < hi {
		mid := (lo + hi) / 2
		if childComesBefore(v, children[mid]) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	children = append(children, nil)
	copy(children[lo+1:], children[lo:])
	children[lo] = v
	return children
}

// rebuildLocked 重新计算先序遍历顺序和可见字符排名。
func (t *Text) rebuildLocked() {
	if !t.dirty && t.order != nil {
		return
	}

	order := make([]*vertex, 0, len(t.vertices)-1)
	visibleIdx := make([]int, 0, len(t.vertices)-1)
	rank := make(map[string]int, len(t.vertices))

	stack := make([]*vertex, 0, 32)
	pushChildren := func(id string) {
		kids := t.children[id]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	pushChildren(RootID)

	count := 0
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !v.deleted {
			visibleIdx = append(visibleIdx, len(order))
			count++
		}
		order = append(order, v)
		rank[v.id] = count
		pushChildren(v.id)
	}

	t.order = order
	t.visibleIdx = visibleIdx
	t.rank = rank
	t.dirty = false
}

// Len 返回可见字符数。
func (t *Text) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebuildLocked()
	return len(t.visibleIdx)
}

// String 返回当前文本。
func (t *Text) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebuildLocked()

	runes := make([]rune, 0, len(t.visibleIdx))
	for _, idx := range t.visibleIdx {
		runes = append(runes, t.order[idx].value)
	}
	return string(runes)
}

// Materialize 等同于 String。
func (t *Text) Materialize() string {
	return t.String()
}

// Pending 返回仍在等待依赖的插入与删除数量。
func (t *Text) Pending() (inserts int, deletes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pendingIDs), len(t.pendingDeletes)
}
