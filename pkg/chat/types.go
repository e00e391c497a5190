package chat

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolResult BlockType = "tool_result"
)

// ToolResult is the structured output of a backend-executed action.
type ToolResult struct {
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	System      string `json:"system,omitempty"`
	Base64Image string `json:"base64_image,omitempty"`
}

func (r ToolResult) IsEmpty() bool {
	return r.Output == "" && r.Error == "" && r.System == "" && r.Base64Image == ""
}

// ContentBlock is one typed unit within a turn.
//
// Only text and tool_result blocks are interpreted. Blocks of any other type keep
// their original JSON object and marshal back to it unchanged.
type ContentBlock struct {
	Type      BlockType
	Text      string
	ToolUseID string
	Result    *ToolResult

	raw json.RawMessage
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ToolResultBlock(toolUseID string, result ToolResult) ContentBlock {
	r := result
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Result: &r}
}

// IsKnown reports whether the block is one of the kinds this package interprets.
func (b ContentBlock) IsKnown() bool {
	return b.Type == BlockText || b.Type == BlockToolResult
}

// Raw returns the preserved JSON of an unknown block, nil for known kinds.
func (b ContentBlock) Raw() json.RawMessage {
	if b.IsKnown() {
		return nil
	}
	return b.raw
}

type textBlockJSON struct {
	Type BlockType `json:"type"`
	Text string    `json:"text"`
}

type toolResultBlockJSON struct {
	Type      BlockType   `json:"type"`
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Result    *ToolResult `json:"result,omitempty"`
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockText:
		return json.Marshal(textBlockJSON{Type: b.Type, Text: b.Text})
	case BlockToolResult:
		res := b.Result
		if res == nil {
			res = &ToolResult{}
		}
		return json.Marshal(toolResultBlockJSON{Type: b.Type, ToolUseID: b.ToolUseID, Result: res})
	}
	if len(b.raw) > 0 {
		return b.raw, nil
	}
	return json.Marshal(struct {
		Type BlockType `json:"type"`
	}{Type: b.Type})
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var head struct {
		Type      BlockType       `json:"type"`
		Text      string          `json:"text"`
		ToolUseID string          `json:"tool_use_id"`
		Result    json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return errors.Wrap(err, "decode content block")
	}
	if head.Type == "" {
		return errors.New("content block without type")
	}

	*b = ContentBlock{Type: head.Type}
	switch head.Type {
	case BlockText:
		b.Text = head.Text
	case BlockToolResult:
		b.ToolUseID = head.ToolUseID
		res, err := decodeToolResult(data, head.Result)
		if err != nil {
			return err
		}
		b.Result = res
	default:
		b.raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// decodeToolResult accepts both the nested {"result":{...}} form and the flat
// form where output/error/system/base64_image sit next to "type".
func decodeToolResult(whole []byte, nested json.RawMessage) (*ToolResult, error) {
	var res ToolResult
	if len(nested) > 0 && string(nested) != "null" {
		if err := json.Unmarshal(nested, &res); err != nil {
			return nil, errors.Wrap(err, "decode tool result")
		}
		return &res, nil
	}
	if err := json.Unmarshal(whole, &res); err != nil {
		return nil, errors.Wrap(err, "decode tool result")
	}
	return &res, nil
}

// Turn is one message attributed to a role.
type Turn struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewUserTurn builds the turn appended locally when the user submits input.
func NewUserTurn(text string) Turn {
	return Turn{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// Transcript is the ordered, append-only list of turns.
//
// Values handed out by this package are never mutated afterwards, so a
// Transcript may be shared with readers without copying.
type Transcript []Turn

func (t Transcript) Last() (Turn, bool) {
	if len(t) == 0 {
		return Turn{}, false
	}
	return t[len(t)-1], true
}

// Append returns a new transcript with turn added at the end.
func (t Transcript) Append(turn Turn) Transcript {
	out := make(Transcript, len(t), len(t)+1)
	copy(out, t)
	return append(out, turn)
}

// LastText concatenates the text blocks of the most recent assistant turn.
func (t Transcript) LastText() string {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role != RoleAssistant {
			continue
		}
		var s string
		for _, b := range t[i].Content {
			if b.Type == BlockText {
				s += b.Text
			}
		}
		return s
	}
	return ""
}
