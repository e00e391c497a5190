package cmds

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatbridge/pkg/chat"
	"github.com/go-go-golems/chatbridge/pkg/session"
)

func TestStreamPrinter_PrintsOnlyNewContent(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newStreamPrinter(&out, &errOut, plainRenderer(t))

	t1 := chat.Transcript{chat.NewUserTurn("hi")}
	p.Print(session.Snapshot{Transcript: t1})
	require.Empty(t, out.String())

	t2 := chat.Reduce(t1, chat.NewContentEvent("Hel"))
	t3 := chat.Reduce(t2, chat.NewContentEvent("lo"))
	// a dropped update only delays output
	p.Print(session.Snapshot{Transcript: t3})
	p.Print(session.Snapshot{Transcript: t3})
	require.Equal(t, "\n── assistant\nHello", out.String())

	t4 := chat.Reduce(t3, chat.NewToolResultEvent(chat.ToolResult{Error: "boom"}))
	p.Print(session.Snapshot{Transcript: t4})
	require.Equal(t, "\n── assistant\nHello\n── tool\nerror: boom\n", out.String())
}

func TestStreamPrinter_NoticesPrintedOnce(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newStreamPrinter(&out, &errOut, plainRenderer(t))
	n := &session.Notice{Kind: session.NoticeConnectionLost, Err: errors.New("eof")}

	p.Print(session.Snapshot{Notice: n})
	p.Print(session.Snapshot{Notice: n})
	p.Print(session.Snapshot{})
	require.Equal(t, "! Connection to chat server lost, reconnecting\n", errOut.String())
	require.Empty(t, out.String())
}

func TestStreamPrinter_IgnoresOlderSnapshots(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newStreamPrinter(&out, &errOut, plainRenderer(t))

	t1 := chat.ReduceAll(nil, chat.NewContentEvent("one"), chat.NewContentEvent(" two"))
	p.Print(session.Snapshot{Transcript: t1})
	p.Print(session.Snapshot{Transcript: t1[:0]})
	p.Print(session.Snapshot{Transcript: chat.ReduceAll(nil, chat.NewContentEvent("one"))})
	t2 := chat.Reduce(t1, chat.NewContentEvent(" three"))
	p.Print(session.Snapshot{Transcript: t2})

	require.Equal(t, "\n── assistant\none two three", out.String())
}
