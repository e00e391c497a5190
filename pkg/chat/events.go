package chat

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type EventType string

const (
	EventContent     EventType = "content"
	EventToolResult  EventType = "tool_result"
	EventAPIResponse EventType = "api_response"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
)

// ErrMalformedEvent marks an inbound frame that could not be decoded into an event.
var ErrMalformedEvent = errors.New("malformed event")

// InboundEvent is one server-to-client frame.
//
// Block is set for content and tool_result events. Data always holds the
// verbatim payload so that api_response, complete and unknown events can be
// passed through untouched.
type InboundEvent struct {
	Type  EventType
	Block *ContentBlock
	Data  json.RawMessage
}

type wireEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (e InboundEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{Type: e.Type, Data: e.Data})
}

func (e *InboundEvent) UnmarshalJSON(data []byte) error {
	ev, err := ParseInboundEvent(data)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// ParseInboundEvent decodes a wire frame. Any error it returns wraps ErrMalformedEvent.
func ParseInboundEvent(frame []byte) (InboundEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(frame, &w); err != nil {
		return InboundEvent{}, errors.Wrapf(ErrMalformedEvent, "decode frame: %v", err)
	}
	if strings.TrimSpace(string(w.Type)) == "" {
		return InboundEvent{}, errors.Wrap(ErrMalformedEvent, "frame without type")
	}
	ev := InboundEvent{Type: w.Type, Data: w.Data}

	switch w.Type {
	case EventContent:
		b, err := decodeContentData(w.Data)
		if err != nil {
			return InboundEvent{}, errors.Wrapf(ErrMalformedEvent, "content: %v", err)
		}
		ev.Block = &b
	case EventToolResult:
		b, err := decodeToolResultData(w.Data)
		if err != nil {
			return InboundEvent{}, errors.Wrapf(ErrMalformedEvent, "tool_result: %v", err)
		}
		ev.Block = &b
	case EventAPIResponse, EventComplete, EventError:
	default:
		// forward compatible: unknown kinds are kept and ignored by Reduce
	}
	return ev, nil
}

func decodeContentData(data json.RawMessage) (ContentBlock, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ContentBlock{}, errors.New("missing data")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return ContentBlock{}, err
		}
		return TextBlock(s), nil
	case '{':
		var b ContentBlock
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return ContentBlock{}, err
		}
		return b, nil
	}
	return ContentBlock{}, errors.New("data must be a string or a content block")
}

func decodeToolResultData(data json.RawMessage) (ContentBlock, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ContentBlock{}, errors.New("data must be an object")
	}
	var head struct {
		ToolUseID string          `json:"tool_use_id"`
		Result    json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return ContentBlock{}, err
	}
	res, err := decodeToolResult(trimmed, head.Result)
	if err != nil {
		return ContentBlock{}, err
	}
	return ToolResultBlock(head.ToolUseID, *res), nil
}

// ErrorMessage renders the payload of an error event as a diagnostic string.
func (e InboundEvent) ErrorMessage() string {
	trimmed := bytes.TrimSpace(e.Data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "unknown backend error"
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return string(trimmed)
}

func NewContentEvent(fragment string) InboundEvent {
	b := TextBlock(fragment)
	data, _ := json.Marshal(fragment)
	return InboundEvent{Type: EventContent, Block: &b, Data: data}
}

func NewToolResultEvent(result ToolResult) InboundEvent {
	b := ToolResultBlock("", result)
	data, _ := json.Marshal(result)
	return InboundEvent{Type: EventToolResult, Block: &b, Data: data}
}

func NewCompleteEvent() InboundEvent {
	return InboundEvent{Type: EventComplete}
}

func NewErrorEvent(message string) InboundEvent {
	data, _ := json.Marshal(message)
	return InboundEvent{Type: EventError, Data: data}
}
