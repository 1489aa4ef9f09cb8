package crdt

import "fmt"

// ApplyLocalEdit 在本地执行编辑并返回对应增量。
func (t *Text) ApplyLocalEdit(pos, deleteCount int, insert string) (Delta, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rebuildLocked()
	length := len(t.visibleIdx)
	if pos < 0 || pos > length {
		return Delta{}, fmt.Errorf("%w: pos %d, len %d", ErrOutOfRange, pos, length)
	}
	if deleteCount < 0 || pos+deleteCount > length {
		return Delta{}, fmt.Errorf("%w: delete %d at %d, len %d", ErrOutOfRange, deleteCount, pos, length)
	}

	var delta Delta

	// 插入点的左侧字符在删除范围之前，先取出来
	origin := RootID
	if pos > 0 {
		origin = t.order[t.visibleIdx[pos-1]].id
	}

	if deleteCount > 0 {
		delta.Deletes = make([]string, 0, deleteCount)
		for i := pos; i < pos+deleteCount; i++ {
			v := t.order[t.visibleIdx[i]]
			v.deleted = true
			delta.Deletes = append(delta.Deletes, v.id)
		}
		t.dirty = true
	}

	if insert != "" {
		delta.Inserts = make([]Vertex, 0, len(insert))
		for _, r := range insert {
			v := &vertex{
				id:     t.nextIDLocked(),
				origin: origin,
				ts:     t.clock.Now(),
				value:  r,
			}
			t.attachLocked(v)
			delta.Inserts = append(delta.Inserts, v.wire())
			origin = v.id
		}
	}

	return delta, nil
}

// attachLocked 把顶点挂到插入树上，并释放等待它的删除。
func (t *Text) attachLocked(v *vertex) {
	t.vertices[v.id] = v
	t.children[v.origin] = insertChildSorted(t.children[v.origin], v)
	if _, ok := t.pendingDeletes[v.id]; ok {
		v.deleted = true
		delete(t.pendingDeletes, v.id)
	}
	t.dirty = true
}
