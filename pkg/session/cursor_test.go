package session

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cursorOf(t *testing.T, e *Engine, id string) RemoteCursor {
	t.Helper()
	for _, c := range e.Cursors() {
		if c.ClientID == id {
			return c
		}
	}
	t.Fatalf("no cursor for %s", id)
	return RemoteCursor{}
}

func TestCursorClampedToDocument(t *testing.T) {
	e, fb, _ := startEngine(t, testConfig("alice", "Alice"), Deps{})
	require.NoError(t, e.ApplyLocalEdit(0, 0, "abc"))

	fb.deliver(t, EventCursorUpdate, "bob", cursorUpdatePayload{
		ClientID:  "bob",
		Selection: Selection{Anchor: -5, Head: 999},
		User:      userRef{Name: "Bob"},
		Ts:        10,
	})
	require.Eventually(t, func() bool { return len(e.Cursors()) == 1 }, eventually, tick)

	c := cursorOf(t, e, "bob")
	assert.Equal(t, 0, c.Anchor)
	assert.Equal(t, 3, c.Head)
	assert.Equal(t, "Bob", c.DisplayName)
	assert.Equal(t, colorFor("bob"), c.Color)
}

func TestStaleCursorIgnored(t *testing.T) {
	e, fb, _ := startEngine(t, testConfig("alice", "Alice"), Deps{})
	require.NoError(t, e.ApplyLocalEdit(0, 0, "hello"))

	fb.deliver(t, EventCursorUpdate, "bob", cursorUpdatePayload{ClientID: "bob", Selection: Selection{Anchor: 4, Head: 4}, Ts: 20})
	fb.deliver(t, EventCursorUpdate, "bob", cursorUpdatePayload{ClientID: "bob", Selection: Selection{Anchor: 1, Head: 1}, Ts: 10})
	fb.deliver(t, EventCursorUpdate, "bob", cursorUpdatePayload{ClientID: "bob", Selection: Selection{Anchor: 2, Head: 5}, Ts: 30})

	require.Eventually(t, func() bool {
		cs := e.Cursors()
		return len(cs) == 1 && cs[0].Timestamp == 30
	}, eventually, tick)
	c := cursorOf(t, e, "bob")
	assert.Equal(t, 2, c.Anchor)
	assert.Equal(t, 5, c.Head)
	assert.Equal(t, fallbackPeerName, c.DisplayName)
}

func TestCursorFollowsEdits(t *testing.T) {
	e, fb, _ := startEngine(t, testConfig("alice", "Alice"), Deps{})
	require.NoError(t, e.ApplyLocalEdit(0, 0, "hello\nworld"))

	fb.deliver(t, EventCursorUpdate, "bob", cursorUpdatePayload{ClientID: "bob", Selection: Selection{Anchor: 6, Head: 8}, Ts: 1})
	require.Eventually(t, func() bool { return len(e.Cursors()) == 1 }, eventually, tick)
	assert.Equal(t, 1, cursorOf(t, e, "bob").Line)

	require.NoError(t, e.ApplyLocalEdit(0, 0, "// hi\n"))
	c := cursorOf(t, e, "bob")
	assert.Equal(t, 12, c.Anchor)
	assert.Equal(t, 14, c.Head)
	assert.Equal(t, 2, c.Line)

	// 删除光标所在区间后落在左边界
	require.NoError(t, e.ApplyLocalEdit(10, 6, ""))
	c = cursorOf(t, e, "bob")
	assert.Equal(t, 10, c.Anchor)
	assert.Equal(t, 10, c.Head)
}

func TestCursorsStayInBoundsUnderRandomEdits(t *testing.T) {
	e, fb, _ := startEngine(t, testConfig("alice", "Alice"), Deps{})
	require.NoError(t, e.ApplyLocalEdit(0, 0, "func main() {}\n"))

	fb.deliver(t, EventCursorUpdate, "bob", cursorUpdatePayload{ClientID: "bob", Selection: Selection{Anchor: 3, Head: 12}, Ts: 1})
	require.Eventually(t, func() bool { return len(e.Cursors()) == 1 }, eventually, tick)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		length := len([]rune(e.Text()))
		pos := rng.Intn(length + 1)
		del := 0
		if pos < length && rng.Intn(2) == 0 {
			del = rng.Intn(length-pos) + 1
		}
		ins := ""
		if rng.Intn(3) > 0 {
			ins = "x\n"[:rng.Intn(2)+1]
		}
		require.NoError(t, e.ApplyLocalEdit(pos, del, ins))

		length = len([]rune(e.Text()))
		for _, c := range e.Cursors() {
			require.GreaterOrEqual(t, c.Anchor, 0)
			require.LessOrEqual(t, c.Anchor, length)
			require.GreaterOrEqual(t, c.Head, 0)
			require.LessOrEqual(t, c.Head, length)
		}
	}
}

func TestSetSelectionBroadcastsClampedCursor(t *testing.T) {
	e, fb, _ := startEngine(t, testConfig("alice", "Alice"), Deps{})
	require.NoError(t, e.ApplyLocalEdit(0, 0, "abcd"))

	require.NoError(t, e.SetSelection(1, 100))
	require.Eventually(t, func() bool { return len(fb.messages(EventCursorUpdate)) == 1 }, eventually, tick)
	p := payloadOf[cursorUpdatePayload](t, fb.messages(EventCursorUpdate)[0])
	assert.Equal(t, "alice", p.ClientID)
	assert.Equal(t, Selection{Anchor: 1, Head: 4}, p.Selection)
	assert.Equal(t, "Alice", p.User.Name)
	assert.NotZero(t, p.Ts)
}

func TestCursorRenamesDisplayedPeer(t *testing.T) {
	e, fb, _ := startEngine(t, testConfig("alice", "Alice"), Deps{})

	fb.deliver(t, EventCursorUpdate, "bob", cursorUpdatePayload{ClientID: "bob", User: userRef{Name: "Bob"}, Ts: 1})
	require.Eventually(t, func() bool {
		p := e.DisplayedPeer()
		return p != nil && p.DisplayName == "Bob"
	}, eventually, tick)

	fb.deliver(t, EventCursorUpdate, "bob", cursorUpdatePayload{ClientID: "bob", User: userRef{Name: "Robert"}, Ts: 2})
	require.Eventually(t, func() bool { return e.DisplayedPeer().DisplayName == "Robert" }, eventually, tick)

	// 其他人的光标不替换已显示的同伴
	fb.deliver(t, EventCursorUpdate, "carol", cursorUpdatePayload{ClientID: "carol", User: userRef{Name: "Carol"}, Ts: 3})
	require.Eventually(t, func() bool { return len(e.Cursors()) == 2 }, eventually, tick)
	assert.Equal(t, "bob", e.DisplayedPeer().ClientID)
}

func TestLineOf(t *testing.T) {
	assert.Equal(t, 0, lineOf("", 0))
	assert.Equal(t, 0, lineOf("ab\ncd", 2))
	assert.Equal(t, 1, lineOf("ab\ncd", 3))
	assert.Equal(t, 1, lineOf("ab\ncd", 99))
}
