// Package render turns a transcript into terminal text. It only reads transcripts.
package render

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatbridge/pkg/chat"
)

type Renderer struct {
	markdown   *glamour.TermRenderer
	showSystem bool
}

type Option func(*rendererOptions)

type rendererOptions struct {
	markdown   bool
	style      string
	width      int
	showSystem bool
}

// WithMarkdown renders assistant text through glamour using the given standard
// style ("dark", "light", "notty", ...). An empty style picks one from the terminal.
func WithMarkdown(style string, width int) Option {
	return func(o *rendererOptions) {
		o.markdown = true
		o.style = style
		o.width = width
	}
}

func WithSystem(show bool) Option {
	return func(o *rendererOptions) {
		o.showSystem = show
	}
}

func New(opts ...Option) (*Renderer, error) {
	o := rendererOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Renderer{showSystem: o.showSystem}
	if o.markdown {
		gopts := []glamour.TermRendererOption{}
		if o.style == "" {
			gopts = append(gopts, glamour.WithAutoStyle())
		} else {
			gopts = append(gopts, glamour.WithStandardStyle(o.style))
		}
		if o.width > 0 {
			gopts = append(gopts, glamour.WithWordWrap(o.width))
		}
		md, err := glamour.NewTermRenderer(gopts...)
		if err != nil {
			return nil, errors.Wrap(err, "create markdown renderer")
		}
		r.markdown = md
	}
	return r, nil
}

func (r *Renderer) Transcript(t chat.Transcript) string {
	var buf strings.Builder
	for i, turn := range t {
		if i > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(r.Turn(turn))
	}
	return buf.String()
}

// Turn renders a header line followed by the turn's blocks. Consecutive text
// blocks are joined since they are fragments of one streamed message.
func (r *Renderer) Turn(turn chat.Turn) string {
	var buf strings.Builder
	buf.WriteString(Header(turn))
	buf.WriteString("\n")

	var text strings.Builder
	flush := func() {
		if text.Len() == 0 {
			return
		}
		buf.WriteString(r.Text(text.String()))
		buf.WriteString("\n")
		text.Reset()
	}
	for _, b := range turn.Content {
		if b.Type == chat.BlockText {
			text.WriteString(b.Text)
			continue
		}
		flush()
		if s := r.Block(b); s != "" {
			buf.WriteString(s)
			buf.WriteString("\n")
		}
	}
	flush()
	return buf.String()
}

// Header is the separator line printed above a turn.
func Header(turn chat.Turn) string {
	if turn.Role == chat.RoleUser && len(turn.Content) > 0 && turn.Content[0].Type == chat.BlockToolResult {
		return "── tool"
	}
	return "── " + string(turn.Role)
}

func (r *Renderer) Text(s string) string {
	if r.markdown == nil {
		return s
	}
	out, err := r.markdown.Render(s)
	if err != nil {
		return s
	}
	return strings.Trim(out, "\n")
}

// Block renders a single non-text block. Unknown block kinds render as a short
// placeholder naming their type.
func (r *Renderer) Block(b chat.ContentBlock) string {
	switch b.Type {
	case chat.BlockText:
		return r.Text(b.Text)
	case chat.BlockToolResult:
		return r.toolResult(b)
	}
	return fmt.Sprintf("[%s]", b.Type)
}

func (r *Renderer) toolResult(b chat.ContentBlock) string {
	if b.Result == nil || b.Result.IsEmpty() {
		return "(no output)"
	}
	var parts []string
	if b.Result.Output != "" {
		parts = append(parts, b.Result.Output)
	}
	if b.Result.Error != "" {
		parts = append(parts, "error: "+b.Result.Error)
	}
	if r.showSystem && b.Result.System != "" {
		parts = append(parts, "system: "+b.Result.System)
	}
	if b.Result.Base64Image != "" {
		parts = append(parts, DescribeImage(b.Result.Base64Image))
	}
	return strings.Join(parts, "\n")
}

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// DescribeImage summarizes an inline base64 image without rendering it.
func DescribeImage(b64 string) string {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return "[image: invalid base64]"
	}
	kind := "image"
	if bytes.HasPrefix(data, pngMagic) {
		kind = "png"
	}
	return fmt.Sprintf("[%s: %s]", kind, humanBytes(len(data)))
}

func humanBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
