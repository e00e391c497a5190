package cmds

import (
	"strings"
	"testing"

	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatbridge/pkg/chat"
)

const recordedFrames = `{"type":"content","data":"Let me check."}
{"type":"tool_result","data":{"result":{"output":"3 files"},"tool_use_id":"toolu_1"}}
not json at all
{"type":"content","data":{"type":"tool_use","id":"toolu_2","name":"bash","input":{}}}

{"type":"api_response","data":{"status":200}}
{"type":"complete","data":[]}
`

func cell(t *testing.T, row types.Row, name string) interface{} {
	t.Helper()
	v, ok := row.Get(name)
	require.True(t, ok, "missing column %s", name)
	return v
}

func TestReplayRows_OneRowPerBlock(t *testing.T) {
	rows, err := replayRows(strings.NewReader(recordedFrames), false)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	require.Equal(t, 0, cell(t, rows[0], "turn"))
	require.Equal(t, "assistant", cell(t, rows[0], "role"))
	require.Equal(t, "text", cell(t, rows[0], "type"))
	require.Equal(t, "Let me check.", cell(t, rows[0], "text"))

	require.Equal(t, 1, cell(t, rows[1], "turn"))
	require.Equal(t, "user", cell(t, rows[1], "role"))
	require.Equal(t, "tool_result", cell(t, rows[1], "type"))
	require.Equal(t, "toolu_1", cell(t, rows[1], "tool_use_id"))
	require.Equal(t, "3 files", cell(t, rows[1], "text"))

	require.Equal(t, 2, cell(t, rows[2], "turn"))
	require.Equal(t, "tool_use", cell(t, rows[2], "type"))
	require.Equal(t, "[tool_use]", cell(t, rows[2], "text"))
}

func TestReplayRows_Stats(t *testing.T) {
	rows, err := replayRows(strings.NewReader(recordedFrames), true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 3, cell(t, rows[0], "turns"))
	require.Equal(t, 3, cell(t, rows[0], "blocks"))
	require.Equal(t, 0, cell(t, rows[0], "images"))
	require.Greater(t, cell(t, rows[0], "tokens").(int), 0)
}

func TestReplayRows_EmptyLog(t *testing.T) {
	rows, err := replayRows(strings.NewReader(""), false)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestReadFrames_SkipsMalformedLines(t *testing.T) {
	events, err := readFrames(strings.NewReader(recordedFrames))
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.Equal(t, chat.EventComplete, events[4].Type)
}
