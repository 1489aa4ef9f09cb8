package crdt

import "fmt"

// MergeRemoteDelta 解码并合并远程增量。
func (t *Text) MergeRemoteDelta(data []byte) (bool, error) {
	d, err := DecodeDelta(data)
	if err != nil {
		return false, err
	}
	return t.Merge(d)
}

// Merge 合并一个增量。
// 已存在的顶点被忽略（幂等）；Origin 未到达的插入和目标未到达的删除会被暂存，
// 依赖到达后自动应用，因此任意投递顺序得到相同文本。
func (t *Text) Merge(d Delta) (bool, error) {
	if err := d.validate(); err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false

	for _, w := range d.Inserts {
		if local, ok := t.vertices[w.ID]; ok {
			if w.Deleted && !local.deleted {
				local.deleted = true
				t.dirty = true
				changed = true
			}
			continue
		}
		if _, ok := t.pendingIDs[w.ID]; ok {
			if w.Deleted {
				t.pendingDeletes[w.ID] = struct{}{}
			}
			continue
		}

		t.clock.Observe(w.Timestamp)

		if _, ok := t.vertices[w.Origin]; !ok {
			t.pendingInserts[w.Origin] = append(t.pendingInserts[w.Origin], w)
			t.pendingIDs[w.ID] = struct{}{}
			continue
		}
		t.integrateLocked(w)
		changed = true
	}

	for _, id := range d.Deletes {
		if v, ok := t.vertices[id]; ok {
			if !v.deleted {
				v.deleted = true
				t.dirty = true
				changed = true
			}
			continue
		}
		t.pendingDeletes[id] = struct{}{}
	}

	return changed, nil
}

// integrateLocked 挂载一个远程顶点，并依次释放以它为 Origin 的暂存插入。
func (t *Text) integrateLocked(first Vertex) {
	queue := []Vertex{first}
	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]

		delete(t.pendingIDs, w.ID)
		if _, exists := t.vertices[w.ID]; exists {
			continue
		}
		t.attachLocked(&vertex{
			id:      w.ID,
			origin:  w.Origin,
			ts:      w.Timestamp,
			value:   w.Value,
			deleted: w.Deleted,
		})

		if waiting, ok := t.pendingInserts[w.ID]; ok {
			delete(t.pendingInserts, w.ID)
			queue = append(queue, waiting...)
		}
	}
}

func (d Delta) validate() error {
	for _, w := range d.Inserts {
		switch {
		case w.ID == "" || w.Origin == "":
			return fmt.Errorf("%w: vertex missing id or origin", ErrInvalidDelta)
		case w.ID == RootID:
			return fmt.Errorf("%w: vertex reuses root id", ErrInvalidDelta)
		case w.ID == w.Origin:
			return fmt.Errorf("%w: vertex %s is its own origin", ErrInvalidDelta, w.ID)
		}
	}
	for _, id := range d.Deletes {
		if id == "" || id == RootID {
			return fmt.Errorf("%w: bad delete target %q", ErrInvalidDelta, id)
		}
	}
	return nil
}
