package cmds

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatbridge/pkg/chat"
	"github.com/go-go-golems/chatbridge/pkg/render"
	"github.com/go-go-golems/chatbridge/pkg/tokens"
)

// frames carrying inline screenshots can be large
const maxFrameSize = 32 << 20

type ReplaySettings struct {
	File  string `glazed:"file"`
	Stats bool   `glazed:"stats"`
}

type ReplayCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &ReplayCommand{}

func NewReplayCommand() (*ReplayCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	return &ReplayCommand{
		CommandDescription: cmds.NewCommandDescription(
			"replay",
			cmds.WithShort("Rebuild a transcript from a recorded frame log"),
			cmds.WithLong("Read inbound frames, one JSON object per line (as written by --record), fold them "+
				"into a transcript and emit one row per content block. Use - to read from stdin."),
			cmds.WithFlags(
				fields.New(
					"stats",
					fields.TypeBool,
					fields.WithHelp("Emit a single row with the size of the transcript a next turn would resend"),
					fields.WithDefault(false),
				),
			),
			cmds.WithArguments(
				fields.New(
					"file",
					fields.TypeString,
					fields.WithHelp("Frame log to replay"),
					fields.WithRequired(true),
				),
			),
			cmds.WithSections(glazedSection, commandSettingsSection),
		),
	}, nil
}

func (c *ReplayCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &ReplaySettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init replay settings")
	}

	var in io.Reader = os.Stdin
	if s.File != "-" {
		f, err := os.Open(s.File)
		if err != nil {
			return errors.Wrapf(err, "open %s", s.File)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	rows, err := replayRows(in, s.Stats)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// readFrames decodes one event per line. Lines that are not valid events are
// skipped with a warning.
func readFrames(r io.Reader) ([]chat.InboundEvent, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	var events []chat.InboundEvent
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		ev, err := chat.ParseInboundEvent(raw)
		if err != nil {
			log.Warn().Err(err).Int("line", line).Msg("skipping malformed frame")
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read frames")
	}
	return events, nil
}

func replayRows(r io.Reader, stats bool) ([]types.Row, error) {
	events, err := readFrames(r)
	if err != nil {
		return nil, err
	}
	t := chat.ReduceAll(nil, events...)
	log.Debug().Int("events", len(events)).Int("turns", len(t)).Msg("replayed frames")

	if stats {
		st := tokens.NewEstimator("").Transcript(t)
		return []types.Row{statsRow(st)}, nil
	}
	rr, err := render.New()
	if err != nil {
		return nil, err
	}
	return transcriptRows(t, rr), nil
}

// transcriptRows flattens t into one row per content block.
func transcriptRows(t chat.Transcript, r *render.Renderer) []types.Row {
	var rows []types.Row
	for i, turn := range t {
		for j, b := range turn.Content {
			rows = append(rows, types.NewRow(
				types.MRP("turn", i),
				types.MRP("block", j),
				types.MRP("role", string(turn.Role)),
				types.MRP("type", string(b.Type)),
				types.MRP("tool_use_id", b.ToolUseID),
				types.MRP("text", r.Block(b)),
			))
		}
	}
	return rows
}

func statsRow(st tokens.Stats) types.Row {
	return types.NewRow(
		types.MRP("turns", st.Turns),
		types.MRP("blocks", st.Blocks),
		types.MRP("images", st.Images),
		types.MRP("tokens", st.Tokens),
		types.MRP("approximate", st.Approximate),
	)
}
