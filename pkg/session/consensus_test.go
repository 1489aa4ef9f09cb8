package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyes/pairsync/pkg/hlc"
	"github.com/shinyes/pairsync/pkg/snapshot"
	"github.com/shinyes/pairsync/pkg/transport"
)

func fixedIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func langConfig(id, name string, ids ...string) Config {
	cfg := testConfig(id, name)
	cfg.InitialLanguage = "go"
	cfg.NewProposalID = fixedIDs(ids...)
	return cfg
}

func TestProposalAccepted(t *testing.T) {
	snaps := &fakeSnapshots{session: snapshot.Session{ID: "s1", Status: snapshot.StatusActive}}
	e, fb, hooks := startEngine(t, langConfig("alice", "Alice", "p1"), Deps{Snapshots: snaps})

	require.NoError(t, e.RequestLanguageChange("python"))
	assert.Equal(t, "python", e.Language(), "proposer switches optimistically")
	require.NotNil(t, e.PendingProposal())
	assert.Equal(t, "p1", e.PendingProposal().ProposalID)
	assert.ErrorIs(t, e.RequestLanguageChange("rust"), ErrProposalPending)

	require.Eventually(t, func() bool { return len(fb.messages(EventLanguageProposal)) == 1 }, eventually, tick)
	prop := payloadOf[proposalPayload](t, fb.messages(EventLanguageProposal)[0])
	assert.Equal(t, proposalPayload{Language: "python", From: "alice", ProposalID: "p1", Ts: prop.Ts}, prop)

	joinPeer(t, fb, "alice", "bob", "Bob")
	fb.deliver(t, EventLanguageResponse, "bob", responsePayload{To: "alice", From: "bob", Language: "python", Accept: true, ProposalID: "p1"})

	require.Eventually(t, func() bool { return len(fb.messages(EventLanguageChange)) == 1 }, eventually, tick)
	change := payloadOf[languageChangePayload](t, fb.messages(EventLanguageChange)[0])
	assert.Equal(t, "python", change.Language)
	assert.Equal(t, "alice", change.From)
	assert.NotZero(t, change.Ts)

	require.Eventually(t, func() bool { return hooks.noticeCount(NoticeProposalAccepted) == 1 }, eventually, tick)
	n, _ := hooks.notice(NoticeProposalAccepted)
	assert.Equal(t, "Bob", n.Peer)
	assert.Nil(t, e.PendingProposal())
	assert.Equal(t, "python", e.Language())
	require.Eventually(t, func() bool { return snaps.current().CurrentLanguage == "python" }, eventually, tick)

	// 已结束的提案再次收到回复不会有任何效果
	fb.deliver(t, EventLanguageResponse, "bob", responsePayload{To: "alice", From: "bob", Accept: false, ProposalID: "p1"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "python", e.Language())
	assert.Zero(t, hooks.noticeCount(NoticeProposalRejected))
}

func TestProposalRejectedReverts(t *testing.T) {
	e, fb, hooks := startEngine(t, langConfig("alice", "Alice", "p1"), Deps{})

	require.NoError(t, e.RequestLanguageChange("python"))
	fb.deliver(t, EventLanguageResponse, "bob", responsePayload{To: "alice", From: "bob", Language: "python", Accept: false, ProposalID: "p1"})

	require.Eventually(t, func() bool { return hooks.noticeCount(NoticeProposalRejected) == 1 }, eventually, tick)
	assert.Equal(t, "go", e.Language())
	assert.Nil(t, e.PendingProposal())
	assert.Empty(t, fb.messages(EventLanguageChange))
}

func TestResponseForOtherProposalIgnored(t *testing.T) {
	e, fb, _ := startEngine(t, langConfig("alice", "Alice", "p1"), Deps{})

	require.NoError(t, e.RequestLanguageChange("python"))
	fb.deliver(t, EventLanguageResponse, "bob", responsePayload{To: "alice", From: "bob", Accept: false, ProposalID: "other"})
	fb.deliver(t, EventLanguageResponse, "bob", responsePayload{To: "carol", From: "bob", Accept: false, ProposalID: "p1"})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, "python", e.Language())
	assert.NotNil(t, e.PendingProposal())
}

func TestProposalTimesOutOnce(t *testing.T) {
	cfg := langConfig("alice", "Alice", "p1")
	e, fb, hooks := startEngine(t, cfg, Deps{})

	require.NoError(t, e.RequestLanguageChange("python"))
	require.Eventually(t, func() bool { return hooks.noticeCount(NoticeProposalTimedOut) == 1 }, eventually, tick)
	assert.Equal(t, "go", e.Language())
	assert.Nil(t, e.PendingProposal())

	cancels := fb.messages(EventLanguageCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, cancelPayload{From: "alice", Language: "python", ProposalID: "p1"}, payloadOf[cancelPayload](t, cancels[0]))

	// 超时后迟到的接受不生效
	fb.deliver(t, EventLanguageResponse, "bob", responsePayload{To: "alice", From: "bob", Accept: true, ProposalID: "p1"})
	time.Sleep(2 * cfg.ProposalTTL)
	assert.Equal(t, 1, hooks.noticeCount(NoticeProposalTimedOut))
	assert.Equal(t, "go", e.Language())
	assert.Empty(t, fb.messages(EventLanguageChange))

	// 可以重新发起
	require.NoError(t, e.RequestLanguageChange("rust"))
	assert.Equal(t, "rust", e.Language())
}

func TestProposalForCurrentLanguageIsNoop(t *testing.T) {
	e, fb, _ := startEngine(t, langConfig("alice", "Alice", "p1"), Deps{})

	require.NoError(t, e.RequestLanguageChange("go"))
	assert.Nil(t, e.PendingProposal())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fb.messages(EventLanguageProposal))
}

func TestSimultaneousProposalsSmallerIDWins(t *testing.T) {
	t.Run("winner keeps its proposal", func(t *testing.T) {
		e, fb, hooks := startEngine(t, langConfig("alice", "Alice", "m1"), Deps{})
		require.NoError(t, e.RequestLanguageChange("python"))

		fb.deliver(t, EventLanguageProposal, "bob", proposalPayload{Language: "rust", From: "bob", ProposalID: "z9", Ts: 1})
		require.Eventually(t, func() bool { return len(fb.messages(EventLanguageResponse)) == 1 }, eventually, tick)

		resp := payloadOf[responsePayload](t, fb.messages(EventLanguageResponse)[0])
		assert.Equal(t, "bob", resp.To)
		assert.Equal(t, "z9", resp.ProposalID)
		assert.False(t, resp.Accept)

		assert.Equal(t, "python", e.Language())
		require.NotNil(t, e.PendingProposal())
		assert.Equal(t, "m1", e.PendingProposal().ProposalID)
		assert.Nil(t, e.IncomingProposal())
		assert.Zero(t, hooks.proposalCount())
		assert.Empty(t, fb.messages(EventLanguageCancel))
	})

	t.Run("loser withdraws and prompts", func(t *testing.T) {
		e, fb, hooks := startEngine(t, langConfig("bob", "Bob", "z9"), Deps{})
		require.NoError(t, e.RequestLanguageChange("rust"))

		fb.deliver(t, EventLanguageProposal, "alice", proposalPayload{Language: "python", From: "alice", ProposalID: "m1", Ts: 1})
		require.Eventually(t, func() bool { return hooks.proposalCount() == 1 }, eventually, tick)

		cancels := fb.messages(EventLanguageCancel)
		require.Len(t, cancels, 1)
		assert.Equal(t, "z9", payloadOf[cancelPayload](t, cancels[0]).ProposalID)
		assert.Equal(t, "go", e.Language())
		assert.Nil(t, e.PendingProposal())
		require.NotNil(t, e.IncomingProposal())
		assert.Equal(t, "m1", e.IncomingProposal().ProposalID)
		require.Eventually(t, func() bool { return hooks.noticeCount(NoticeProposalWithdrawn) == 1 }, eventually, tick)

		require.NoError(t, e.RespondToProposal(true))
		assert.Equal(t, "python", e.Language())
		require.Eventually(t, func() bool { return len(fb.messages(EventLanguageResponse)) == 1 }, eventually, tick)
		resp := payloadOf[responsePayload](t, fb.messages(EventLanguageResponse)[0])
		assert.Equal(t, responsePayload{To: "alice", From: "bob", Language: "python", Accept: true, ProposalID: "m1"}, resp)
	})
}

func TestIncomingProposalAnswered(t *testing.T) {
	e, fb, hooks := startEngine(t, langConfig("bob", "Bob"), Deps{})

	assert.ErrorIs(t, e.RespondToProposal(true), ErrNoIncomingProposal)

	fb.deliver(t, EventLanguageProposal, "alice", proposalPayload{Language: "rust", From: "alice", ProposalID: "p1", Ts: 1000})
	require.Eventually(t, func() bool { return hooks.proposalCount() == 1 }, eventually, tick)
	hooks.mu.Lock()
	got := hooks.proposals[0]
	hooks.mu.Unlock()
	assert.Equal(t, Proposal{ProposalID: "p1", Language: "rust", FromClientID: "alice", CreatedAt: time.UnixMilli(1000)}, got)

	require.NoError(t, e.RespondToProposal(false))
	assert.Equal(t, "go", e.Language())
	assert.Nil(t, e.IncomingProposal())
	assert.ErrorIs(t, e.RespondToProposal(true), ErrNoIncomingProposal)
}

func TestIncomingProposalCancelled(t *testing.T) {
	e, fb, hooks := startEngine(t, langConfig("bob", "Bob"), Deps{})

	joinPeer(t, fb, "bob", "alice", "Alice")
	fb.deliver(t, EventLanguageProposal, "alice", proposalPayload{Language: "rust", From: "alice", ProposalID: "p1", Ts: 1})
	fb.deliver(t, EventLanguageCancel, "alice", cancelPayload{From: "alice", Language: "rust", ProposalID: "other"})
	fb.deliver(t, EventLanguageCancel, "alice", cancelPayload{From: "alice", Language: "rust", ProposalID: "p1"})

	require.Eventually(t, func() bool { return hooks.noticeCount(NoticeProposalCancelled) == 1 }, eventually, tick)
	n, _ := hooks.notice(NoticeProposalCancelled)
	assert.Equal(t, "Alice", n.Peer)
	assert.Nil(t, e.IncomingProposal())
	assert.Equal(t, "go", e.Language())
}

func TestNewerIncomingProposalReplacesOlder(t *testing.T) {
	e, fb, hooks := startEngine(t, langConfig("bob", "Bob"), Deps{})

	fb.deliver(t, EventLanguageProposal, "alice", proposalPayload{Language: "rust", From: "alice", ProposalID: "p1", Ts: 1})
	fb.deliver(t, EventLanguageProposal, "alice", proposalPayload{Language: "zig", From: "alice", ProposalID: "p2", Ts: 2})

	require.Eventually(t, func() bool { return hooks.proposalCount() == 2 }, eventually, tick)
	require.NotNil(t, e.IncomingProposal())
	assert.Equal(t, "p2", e.IncomingProposal().ProposalID)

	resps := fb.messages(EventLanguageResponse)
	require.Len(t, resps, 1)
	assert.Equal(t, "p1", payloadOf[responsePayload](t, resps[0]).ProposalID)
	assert.False(t, payloadOf[responsePayload](t, resps[0]).Accept)
}

func TestLanguageChangeLastWriterWins(t *testing.T) {
	e, fb, hooks := startEngine(t, langConfig("bob", "Bob"), Deps{})

	now := time.Now().UnixMilli()
	fb.deliver(t, EventLanguageChange, "alice", languageChangePayload{Language: "rust", Ts: hlc.Pack(now+1000, 0), From: "alice"})
	fb.deliver(t, EventLanguageChange, "carol", languageChangePayload{Language: "python", Ts: hlc.Pack(now, 0), From: "carol"})
	require.Eventually(t, func() bool { return e.Language() == "rust" }, eventually, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "rust", e.Language())

	// 缺少时间戳的变更按本地时钟处理，晚于已观察到的时间
	fb.deliver(t, EventLanguageChange, "alice", languageChangePayload{Language: "c"})
	require.Eventually(t, func() bool { return e.Language() == "c" }, eventually, tick)

	require.Eventually(t, func() bool {
		hooks.mu.Lock()
		defer hooks.mu.Unlock()
		return len(hooks.languages) > 0 && hooks.languages[len(hooks.languages)-1] == "c"
	}, eventually, tick)
}

func TestLanguageChangeWhileProposingUpdatesRevertTarget(t *testing.T) {
	e, fb, _ := startEngine(t, langConfig("alice", "Alice", "p1"), Deps{})

	require.NoError(t, e.RequestLanguageChange("python"))
	fb.deliver(t, EventLanguageChange, "carol", languageChangePayload{Language: "rust", Ts: hlc.Pack(time.Now().UnixMilli(), 0), From: "carol"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "python", e.Language())

	fb.deliver(t, EventLanguageResponse, "bob", responsePayload{To: "alice", From: "bob", Accept: false, ProposalID: "p1"})
	require.Eventually(t, func() bool { return e.Language() == "rust" }, eventually, tick)
}

func TestAcceptedChangeAppliesSnippet(t *testing.T) {
	cfg := langConfig("alice", "Alice", "p1")
	cfg.Snippets = map[string]string{"python": "print('hi')\n"}
	cfg.ResetOnLanguageChange = true
	e, fb, _ := startEngine(t, cfg, Deps{})

	require.NoError(t, e.ApplyLocalEdit(0, 0, "package main"))
	require.NoError(t, e.RequestLanguageChange("python"))
	fb.deliver(t, EventLanguageResponse, "bob", responsePayload{To: "alice", From: "bob", Accept: true, ProposalID: "p1"})

	require.Eventually(t, func() bool { return e.Text() == "print('hi')\n" }, eventually, tick)
}

func acceptIncoming(t *testing.T, e *Engine, fb *fakeBroker, hooks *recordingHooks, id, lang string) {
	t.Helper()
	before := hooks.proposalCount()
	fb.deliver(t, EventLanguageProposal, "alice", proposalPayload{Language: lang, From: "alice", ProposalID: id, Ts: 1})
	require.Eventually(t, func() bool { return hooks.proposalCount() == before+1 }, eventually, tick)
	require.NoError(t, e.RespondToProposal(true))
	assert.Equal(t, lang, e.Language(), "accepted language is shown until committed")
}

func TestAcceptedProposalCancelledReverts(t *testing.T) {
	cfg := langConfig("bob", "Bob")
	cfg.ProposalTTL = time.Minute
	e, fb, hooks := startEngine(t, cfg, Deps{})
	joinPeer(t, fb, "bob", "alice", "Alice")

	acceptIncoming(t, e, fb, hooks, "p1", "rust")

	// 提议者超时与我们的接受交错：对方已回退并广播取消
	fb.deliver(t, EventLanguageCancel, "alice", cancelPayload{From: "alice", Language: "rust", ProposalID: "p1"})
	require.Eventually(t, func() bool { return e.Language() == "go" }, eventually, tick)
	require.Eventually(t, func() bool { return hooks.noticeCount(NoticeProposalCancelled) == 1 }, eventually, tick)
	n, _ := hooks.notice(NoticeProposalCancelled)
	assert.Equal(t, "Alice", n.Peer)
	assert.Equal(t, "rust", n.Language)
}

func TestAcceptedProposalSettledByCommit(t *testing.T) {
	cfg := langConfig("bob", "Bob")
	e, fb, hooks := startEngine(t, cfg, Deps{})

	acceptIncoming(t, e, fb, hooks, "p1", "rust")
	fb.deliver(t, EventLanguageChange, "alice", languageChangePayload{Language: "rust", Ts: hlc.Pack(time.Now().UnixMilli(), 0), From: "alice"})
	time.Sleep(2 * cfg.ProposalTTL)
	assert.Equal(t, "rust", e.Language())

	fb.deliver(t, EventLanguageCancel, "alice", cancelPayload{From: "alice", Language: "rust", ProposalID: "p1"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "rust", e.Language(), "a committed change is not undone by a late cancel")
	assert.Zero(t, hooks.noticeCount(NoticeProposalCancelled))
}

func TestAcceptedProposalRevertsWithoutCommit(t *testing.T) {
	e, fb, hooks := startEngine(t, langConfig("bob", "Bob"), Deps{})

	acceptIncoming(t, e, fb, hooks, "p1", "rust")
	require.Eventually(t, func() bool { return e.Language() == "go" }, eventually, tick)
}

func TestAcceptedProposalRevertsWhenProposerLeaves(t *testing.T) {
	cfg := langConfig("bob", "Bob")
	cfg.ProposalTTL = time.Minute
	e, fb, hooks := startEngine(t, cfg, Deps{})
	joinPeer(t, fb, "bob", "alice", "Alice")

	acceptIncoming(t, e, fb, hooks, "p1", "rust")
	fb.presence(t, transport.PresenceLeave, "alice", "Alice")
	require.Eventually(t, func() bool { return hooks.noticeCount(NoticePeerLeft) == 1 }, eventually, tick)
	assert.Equal(t, "go", e.Language())
}

func TestProposeWhileIncomingPending(t *testing.T) {
	e, fb, hooks := startEngine(t, langConfig("bob", "Bob", "q1"), Deps{})

	fb.deliver(t, EventLanguageProposal, "alice", proposalPayload{Language: "rust", From: "alice", ProposalID: "p1", Ts: 1})
	require.Eventually(t, func() bool { return hooks.proposalCount() == 1 }, eventually, tick)

	require.NoError(t, e.RequestLanguageChange("c"))
	assert.Equal(t, "c", e.Language())
	require.NotNil(t, e.PendingProposal())
	require.NotNil(t, e.IncomingProposal(), "the incoming prompt stays open")

	// 接受对方的提议会撤回自己的提议
	require.NoError(t, e.RespondToProposal(true))
	assert.Nil(t, e.PendingProposal())
	assert.Equal(t, "rust", e.Language())
	require.Eventually(t, func() bool { return len(fb.messages(EventLanguageCancel)) == 1 }, eventually, tick)
	assert.Equal(t, "q1", payloadOf[cancelPayload](t, fb.messages(EventLanguageCancel)[0]).ProposalID)
}

func TestSenderTakenFromTransport(t *testing.T) {
	e, fb, hooks := startEngine(t, langConfig("alice", "Alice", "p1"), Deps{})
	joinPeer(t, fb, "alice", "bob", "Bob")
	joinPeer(t, fb, "alice", "mallory", "Mallory")

	require.NoError(t, e.RequestLanguageChange("python"))
	fb.deliver(t, EventLanguageResponse, "mallory", responsePayload{To: "alice", From: "bob", Accept: true, ProposalID: "p1"})

	require.Eventually(t, func() bool { return hooks.noticeCount(NoticeProposalAccepted) == 1 }, eventually, tick)
	n, _ := hooks.notice(NoticeProposalAccepted)
	assert.Equal(t, "Mallory", n.Peer)
}
