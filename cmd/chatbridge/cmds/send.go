package cmds

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatbridge/pkg/config"
	"github.com/go-go-golems/chatbridge/pkg/render"
	"github.com/go-go-golems/chatbridge/pkg/session"
)

var errConnectionLost = errors.New("connection lost before the response completed")

type SendSettings struct {
	Prompt []string `glazed:"prompt"`
	Record string   `glazed:"record"`
}

type SendCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = &SendCommand{}

func NewSendCommand(defaults *config.Settings) (*SendCommand, error) {
	sections, err := config.NewSections(defaults)
	if err != nil {
		return nil, err
	}
	return &SendCommand{
		CommandDescription: cmds.NewCommandDescription(
			"send",
			cmds.WithShort("Send a single prompt and stream the response"),
			cmds.WithLong("Connect to the chat backend, submit PROMPT as a new conversation and print the "+
				"streamed response and tool results until the backend reports completion."),
			cmds.WithFlags(
				fields.New(
					"record",
					fields.TypeString,
					fields.WithHelp(recordHelp),
					fields.WithDefault(""),
				),
			),
			cmds.WithArguments(
				fields.New(
					"prompt",
					fields.TypeStringList,
					fields.WithHelp("Prompt to send; several words are joined with spaces"),
					fields.WithRequired(true),
				),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *SendCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
	ss := &SendSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, ss); err != nil {
		return errors.Wrap(err, "init send settings")
	}
	s, err := config.FromValues(parsedLayers)
	if err != nil {
		return err
	}
	prompt := strings.Join(ss.Prompt, " ")
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt is empty")
	}

	sess, cleanup, err := openSession(s, ss.Record)
	if err != nil {
		return err
	}
	defer cleanup()

	r, err := render.New()
	if err != nil {
		return err
	}
	return runSend(ctx, sess, prompt, w, os.Stderr, r)
}

// runSend submits prompt once and prints the response. A backend error event
// is returned as an error.
func runSend(ctx context.Context, sess *session.Session, prompt string, out, errOut io.Writer, r *render.Renderer) error {
	if err := sess.Start(ctx); err != nil {
		return err
	}
	if err := waitConnected(ctx, sess); err != nil {
		return err
	}

	p := newStreamPrinter(out, errOut, r)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case u, ok := <-sess.Updates():
				if !ok {
					return session.ErrClosed
				}
				p.Print(u.Snapshot)
				if u.Kind == session.UpdateComplete {
					p.EndTurn()
					return nil
				}
				n := u.Snapshot.Notice
				if n == nil {
					continue
				}
				switch n.Kind {
				case session.NoticeBackendError:
					p.EndTurn()
					return n.Err
				case session.NoticeConnectionLost:
					return errConnectionLost
				}
			}
		}
	})
	g.Go(func() error {
		return sess.Submit(prompt)
	})
	return g.Wait()
}
