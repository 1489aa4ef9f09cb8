package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/shinyes/pairsync/pkg/session"
)

// console prints engine events. Navigate closes done so the REPL exits.
type console struct {
	mu       sync.Mutex
	out      io.Writer
	done     chan struct{}
	doneOnce sync.Once
}

func newConsole(out io.Writer) *console {
	return &console{out: out, done: make(chan struct{})}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) OnNotice(n session.Notice) { c.printf("* %s\n", n.Message) }

func (c *console) OnDocumentChanged(string) {}

func (c *console) OnCursorsChanged([]session.RemoteCursor) {}

func (c *console) OnDisplayedPeerChanged(p *session.Identity) {
	if p == nil {
		c.printf("* editing alone\n")
		return
	}
	c.printf("* editing with %s\n", p.DisplayName)
}

func (c *console) OnLanguageChanged(lang string) { c.printf("* language: %s\n", lang) }

func (c *console) OnProposal(p session.Proposal) {
	c.printf("* %s wants to switch to %s (accept / reject)\n", p.FromClientID, p.Language)
}

func (c *console) OnProposalDismissed(string) { c.printf("* proposal withdrawn\n") }

func (c *console) OnSessionEnded() {}

func (c *console) Navigate(path string) {
	c.doneOnce.Do(func() { close(c.done) })
}

var _ session.Hooks = (*console)(nil)

type repl struct {
	engine *session.Engine
	out    io.Writer
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "\nCommands:")
	fmt.Fprintln(out, "  help")
	fmt.Fprintln(out, "  insert <pos> <text>   (\\n for newline)")
	fmt.Fprintln(out, "  delete <pos> <count>")
	fmt.Fprintln(out, "  cursor <anchor> [head]")
	fmt.Fprintln(out, "  lang <language>")
	fmt.Fprintln(out, "  accept | reject")
	fmt.Fprintln(out, "  show")
	fmt.Fprintln(out, "  peers")
	fmt.Fprintln(out, "  end")
	fmt.Fprintln(out, "  quit")
}

func (r *repl) handleCommand(line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}

	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "help":
		printHelp(r.out)
		return false, nil

	case "insert":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: insert <pos> <text>")
		}
		pos, err := strconv.Atoi(parts[1])
		if err != nil {
			return false, fmt.Errorf("invalid pos %q", parts[1])
		}
		text := strings.Join(parts[2:], " ")
		text = strings.ReplaceAll(text, `\n`, "\n")
		return false, r.engine.ApplyLocalEdit(pos, 0, text)

	case "delete":
		if len(parts) != 3 {
			return false, fmt.Errorf("usage: delete <pos> <count>")
		}
		pos, err := strconv.Atoi(parts[1])
		if err != nil {
			return false, fmt.Errorf("invalid pos %q", parts[1])
		}
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 0 {
			return false, fmt.Errorf("invalid count %q", parts[2])
		}
		return false, r.engine.ApplyLocalEdit(pos, n, "")

	case "cursor":
		if len(parts) < 2 || len(parts) > 3 {
			return false, fmt.Errorf("usage: cursor <anchor> [head]")
		}
		anchor, err := strconv.Atoi(parts[1])
		if err != nil {
			return false, fmt.Errorf("invalid anchor %q", parts[1])
		}
		head := anchor
		if len(parts) == 3 {
			if head, err = strconv.Atoi(parts[2]); err != nil {
				return false, fmt.Errorf("invalid head %q", parts[2])
			}
		}
		return false, r.engine.SetSelection(anchor, head)

	case "lang":
		if len(parts) != 2 {
			return false, fmt.Errorf("usage: lang <language>")
		}
		return false, r.engine.RequestLanguageChange(parts[1])

	case "accept", "reject":
		return false, r.engine.RespondToProposal(cmd == "accept")

	case "show":
		r.show()
		return false, nil

	case "peers":
		peers := r.engine.Peers()
		fmt.Fprintf(r.out, "peers (%d):\n", len(peers))
		for _, p := range peers {
			fmt.Fprintf(r.out, "  %s  %s\n", p.ClientID, p.DisplayName)
		}
		return false, nil

	case "end":
		return true, r.engine.EndSession(true)

	case "quit", "exit":
		return true, r.unload()

	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func (r *repl) show() {
	fmt.Fprintf(r.out, "language: %s\n", r.engine.Language())
	if p := r.engine.PendingProposal(); p != nil {
		fmt.Fprintf(r.out, "waiting for an answer on %s\n", p.Language)
	}
	fmt.Fprintln(r.out, "----")
	fmt.Fprint(r.out, r.engine.Text())
	fmt.Fprintln(r.out, "\n----")
	for _, c := range r.engine.Cursors() {
		fmt.Fprintf(r.out, "%s at line %d (%d..%d)\n", c.DisplayName, c.Line+1, c.Anchor, c.Head)
	}
}

// unload settles pending proposals before leaving.
func (r *repl) unload() error {
	ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
	defer cancel()
	return r.engine.PrepareUnload(ctx)
}
