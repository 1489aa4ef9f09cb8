package session

// NoticeKind classifies user-visible notices.
type NoticeKind string

const (
	NoticePeerJoined        NoticeKind = "peer-joined"
	NoticePeerLeft          NoticeKind = "peer-left"
	NoticeProposalAccepted  NoticeKind = "proposal-accepted"
	NoticeProposalRejected  NoticeKind = "proposal-rejected"
	NoticeProposalTimedOut  NoticeKind = "proposal-timed-out"
	NoticeProposalCancelled NoticeKind = "proposal-cancelled"
	NoticeProposalWithdrawn NoticeKind = "proposal-withdrawn"
	NoticeUnloadCancelled   NoticeKind = "unload-cancelled"
	NoticeUnloadDeclined    NoticeKind = "unload-declined"
	NoticeSessionEnded      NoticeKind = "session-ended"
)

// Notice is a transient message for the local user.
type Notice struct {
	Kind     NoticeKind
	Peer     string
	Language string
	Message  string
}

// Hooks is the rendering surface the engine drives. Calls are made in order
// from a dedicated goroutine, never from the engine loop, so implementations
// may call back into the Engine.
type Hooks interface {
	OnNotice(Notice)
	OnDocumentChanged(text string)
	OnCursorsChanged(cursors []RemoteCursor)
	// OnDisplayedPeerChanged receives nil when no peer is displayed.
	OnDisplayedPeerChanged(peer *Identity)
	OnLanguageChanged(language string)
	// OnProposal asks the user to accept or reject; answer with Engine.RespondToProposal.
	OnProposal(p Proposal)
	OnProposalDismissed(proposalID string)
	OnSessionEnded()
	Navigate(path string)
}

// NopHooks ignores everything. Embed it to implement a subset of Hooks.
type NopHooks struct{}

func (NopHooks) OnNotice(Notice)                  {}
func (NopHooks) OnDocumentChanged(string)         {}
func (NopHooks) OnCursorsChanged([]RemoteCursor)  {}
func (NopHooks) OnDisplayedPeerChanged(*Identity) {}
func (NopHooks) OnLanguageChanged(string)         {}
func (NopHooks) OnProposal(Proposal)              {}
func (NopHooks) OnProposalDismissed(string)       {}
func (NopHooks) OnSessionEnded()                  {}
func (NopHooks) Navigate(string)                  {}

var _ Hooks = NopHooks{}
