package cmds

import (
	"fmt"
	"io"

	"github.com/go-go-golems/chatbridge/pkg/chat"
	"github.com/go-go-golems/chatbridge/pkg/render"
	"github.com/go-go-golems/chatbridge/pkg/session"
)

// streamPrinter writes the part of a transcript that has not been printed yet.
// It works from snapshots, so a dropped update only delays output.
type streamPrinter struct {
	out      io.Writer
	errOut   io.Writer
	renderer *render.Renderer

	turn   int
	block  int
	notice string
}

func newStreamPrinter(out, errOut io.Writer, r *render.Renderer) *streamPrinter {
	return &streamPrinter{out: out, errOut: errOut, renderer: r}
}

// skip marks everything in t as already printed.
func (p *streamPrinter) skip(t chat.Transcript) {
	if len(t) == 0 {
		return
	}
	p.turn = len(t) - 1
	p.block = len(t[p.turn].Content)
}

func (p *streamPrinter) Print(snap session.Snapshot) {
	t := snap.Transcript
	if p.behind(t) {
		// an older snapshot still queued behind a newer one
		return
	}
	for i := p.turn; i < len(t); i++ {
		turn := t[i]
		start := 0
		if i == p.turn {
			start = p.block
		}
		typed := isTypedInput(turn)
		if start == 0 && len(turn.Content) > 0 && !typed {
			fmt.Fprintf(p.out, "\n%s\n", render.Header(turn))
		}
		for j := start; j < len(turn.Content); j++ {
			if typed {
				continue
			}
			b := turn.Content[j]
			if b.Type == chat.BlockText {
				fmt.Fprint(p.out, b.Text)
				continue
			}
			fmt.Fprintln(p.out, p.renderer.Block(b))
		}
	}
	if len(t) > 0 {
		p.skip(t)
	}
	p.printNotice(snap.Notice)
}

func (p *streamPrinter) behind(t chat.Transcript) bool {
	last := len(t) - 1
	if last < 0 {
		return p.turn > 0 || p.block > 0
	}
	if last != p.turn {
		return last < p.turn
	}
	return len(t[last].Content) < p.block
}

func (p *streamPrinter) EndTurn() {
	fmt.Fprintln(p.out)
}

func (p *streamPrinter) printNotice(n *session.Notice) {
	msg := ""
	if n != nil {
		msg = n.String()
	}
	if msg == p.notice {
		return
	}
	p.notice = msg
	if msg != "" {
		fmt.Fprintln(p.errOut, "! "+msg)
	}
}

// isTypedInput reports whether turn is the user's own text, which the terminal
// already shows.
func isTypedInput(turn chat.Turn) bool {
	if turn.Role != chat.RoleUser {
		return false
	}
	for _, b := range turn.Content {
		if b.Type != chat.BlockText {
			return false
		}
	}
	return true
}
