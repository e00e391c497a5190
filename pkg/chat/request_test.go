package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRequest_ScenarioB(t *testing.T) {
	next, req := BuildRequest(nil, "hi", RequestConfig{APIKey: "sk-test"})
	require.Len(t, next, 1)

	b, err := json.Marshal(req)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}],
		"api_key":"sk-test"
	}`, string(b))
}

func TestBuildRequest_ResendsWholeTranscript(t *testing.T) {
	prior := ReduceAll(Transcript{NewUserTurn("first")},
		NewContentEvent("answer"),
		NewToolResultEvent(ToolResult{Output: "ls output"}),
	)
	next, req := BuildRequest(prior, "second", RequestConfig{
		Model:                 "claude-3-5-sonnet-20241022",
		Provider:              "anthropic",
		SystemPromptSuffix:    "be brief",
		OnlyNMostRecentImages: 3,
		MaxTokens:             4096,
	})

	require.Len(t, prior, 3)
	require.Len(t, next, 4)
	require.Equal(t, next, req.Messages)
	require.Equal(t, NewUserTurn("second"), next[3])

	b, err := json.Marshal(req)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, "claude-3-5-sonnet-20241022", decoded["model"])
	require.Equal(t, "anthropic", decoded["provider"])
	require.Equal(t, "be brief", decoded["system_prompt_suffix"])
	require.EqualValues(t, 3, decoded["only_n_most_recent_images"])
	require.EqualValues(t, 4096, decoded["max_tokens"])
	require.Len(t, decoded["messages"], 4)

	tool := decoded["messages"].([]any)[2].(map[string]any)["content"].([]any)[0].(map[string]any)
	require.Equal(t, "tool_result", tool["type"])
	require.Equal(t, "ls output", tool["result"].(map[string]any)["output"])
}

func TestRequest_Redacted(t *testing.T) {
	_, req := BuildRequest(nil, "hi", RequestConfig{APIKey: "sk-secret"})
	red := req.Redacted()
	require.Equal(t, "[redacted]", red.APIKey)
	require.Equal(t, "sk-secret", req.APIKey)
}

func TestTranscript_JSONRoundTripKeepsUnknownBlocks(t *testing.T) {
	in := `[{"role":"assistant","content":[{"type":"text","text":"look"},{"type":"tool_use","id":"t1","name":"bash","input":{"command":"ls"}}]},
	        {"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","result":{"output":"a.txt"}}]}]`
	var tr Transcript
	require.NoError(t, json.Unmarshal([]byte(in), &tr))
	require.Len(t, tr, 2)
	require.Equal(t, "t1", tr[1].Content[0].ToolUseID)
	require.NotNil(t, tr[0].Content[1].Raw())

	out, err := json.Marshal(tr)
	require.NoError(t, err)
	require.JSONEq(t, in, string(out))
	require.Equal(t, "look", tr.LastText())
}
