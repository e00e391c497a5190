package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatbridge/cmd/chatbridge/ui"
	"github.com/go-go-golems/chatbridge/pkg/config"
	"github.com/go-go-golems/chatbridge/pkg/render"
	"github.com/go-go-golems/chatbridge/pkg/session"
)

type ChatSettings struct {
	NoTUI  bool   `glazed:"no-tui"`
	Record string `glazed:"record"`
}

type ChatCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &ChatCommand{}

// NewChatCommand builds the interactive command. defaults seeds the
// connection flags.
func NewChatCommand(defaults *config.Settings) (*ChatCommand, error) {
	sections, err := config.NewSections(defaults)
	if err != nil {
		return nil, err
	}
	return &ChatCommand{
		CommandDescription: cmds.NewCommandDescription(
			"chat",
			cmds.WithShort("Start an interactive chat"),
			cmds.WithLong("Start an interactive chat. When attached to a terminal a full screen UI is used "+
				"(ctrl+y copies the last response, esc quits); otherwise every input line is sent "+
				"as one message and the responses are streamed to stdout."),
			cmds.WithFlags(
				fields.New(
					"no-tui",
					fields.TypeBool,
					fields.WithHelp("Use line mode even when attached to a terminal"),
					fields.WithDefault(false),
				),
				fields.New(
					"record",
					fields.TypeString,
					fields.WithHelp(recordHelp),
					fields.WithDefault(""),
				),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *ChatCommand) Run(ctx context.Context, parsedLayers *values.Values) error {
	cs := &ChatSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, cs); err != nil {
		return errors.Wrap(err, "init chat settings")
	}
	s, err := config.FromValues(parsedLayers)
	if err != nil {
		return err
	}

	tui := !cs.NoTUI && isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
	if tui && viper.GetString("log-file") == "" {
		// console logs would tear the alternate screen apart
		log.Logger = zerolog.Nop()
	}

	sess, cleanup, err := openSession(s, cs.Record)
	if err != nil {
		return err
	}
	defer cleanup()

	if tui {
		r, err := render.New(render.WithMarkdown("", 0))
		if err != nil {
			return err
		}
		if err := sess.Start(ctx); err != nil {
			return err
		}
		return ui.Run(ctx, sess, r)
	}

	r, err := render.New()
	if err != nil {
		return err
	}
	return runLineMode(ctx, sess, os.Stdin, os.Stdout, os.Stderr, r)
}

// runLineMode sends every non-empty input line as one message. Lines typed
// while a response streams are queued. It returns once input is exhausted and
// the last response has completed.
func runLineMode(ctx context.Context, sess *session.Session, in io.Reader, out, errOut io.Writer, r *render.Renderer) error {
	if err := sess.Start(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	p := newStreamPrinter(out, errOut, r)
	snap := sess.Snapshot()
	var pending []string
	eof := false
	// updates queued before the last submit carry shorter transcripts and a
	// stale busy flag; floor is the transcript length that submit committed
	floor := 0
	// settled is cleared by a submit and set again once an update ending that
	// turn has been printed
	settled := true

	for {
		if len(pending) > 0 && snap.InputEnabled() {
			line := pending[0]
			pending = pending[1:]
			if err := sess.Submit(line); err != nil {
				if errors.Is(err, session.ErrBusy) {
					// snap was stale; wait for the running turn
					pending = append([]string{line}, pending...)
					snap = sess.Snapshot()
					continue
				}
				fmt.Fprintf(errOut, "! not sent: %v\n", err)
				continue
			}
			snap = sess.Snapshot()
			floor = len(snap.Transcript)
			settled = false
			continue
		}
		if eof && len(pending) == 0 && settled && !snap.Busy {
			return nil
		}

		src := lines
		if eof {
			src = nil
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-src:
			if !ok {
				eof = true
				continue
			}
			if strings.TrimSpace(line) != "" {
				pending = append(pending, line)
			}
		case u, ok := <-sess.Updates():
			if !ok {
				return nil
			}
			p.Print(u.Snapshot)
			if len(u.Snapshot.Transcript) >= floor {
				snap = u.Snapshot
				if !snap.Busy && u.Kind != session.UpdateTranscript {
					settled = true
				}
			}
			if u.Kind == session.UpdateComplete {
				p.EndTurn()
			}
			if n := u.Snapshot.Notice; n != nil && n.Kind == session.NoticeGaveUp {
				return errors.Wrap(n.Err, "connect")
			}
		}
	}
}
