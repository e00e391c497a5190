package session

import (
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/chatbridge/pkg/chat"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

type NoticeKind string

const (
	// NoticeConnectionFailure: a connect attempt failed, a retry is scheduled.
	NoticeConnectionFailure NoticeKind = "connection_failure"
	// NoticeConnectionLost: an open connection was dropped by the backend.
	NoticeConnectionLost NoticeKind = "connection_lost"
	// NoticeGaveUp: the retry ceiling was reached, no further attempts.
	NoticeGaveUp NoticeKind = "gave_up"
	// NoticeBackendError: the backend sent an error event.
	NoticeBackendError NoticeKind = "backend_error"
)

func (k NoticeKind) IsConnection() bool {
	return k == NoticeConnectionFailure || k == NoticeConnectionLost || k == NoticeGaveUp
}

// Notice is the banner-worthy condition a UI should surface.
type Notice struct {
	Kind    NoticeKind
	Err     error
	Attempt int
}

func (n Notice) String() string {
	switch n.Kind {
	case NoticeConnectionFailure:
		return fmt.Sprintf("Failed to connect to chat server (attempt %d), retrying", n.Attempt)
	case NoticeConnectionLost:
		return "Connection to chat server lost, reconnecting"
	case NoticeGaveUp:
		return "Could not connect to chat server"
	case NoticeBackendError:
		return fmt.Sprintf("Chat error: %v", n.Err)
	}
	return string(n.Kind)
}

// BackendError is the failure payload of an error event.
type BackendError struct {
	Message string
	Payload json.RawMessage
}

func (e *BackendError) Error() string {
	return e.Message
}

type Snapshot struct {
	Transcript chat.Transcript
	Status     Status
	Busy       bool
	Notice     *Notice
}

// InputEnabled reports whether a UI should accept a new submission.
func (s Snapshot) InputEnabled() bool {
	return s.Status == StatusConnected && !s.Busy
}

type UpdateKind string

const (
	UpdateStatus      UpdateKind = "status"
	UpdateTranscript  UpdateKind = "transcript"
	UpdateComplete    UpdateKind = "complete"
	UpdateNotice      UpdateKind = "notice"
	UpdateAPIResponse UpdateKind = "api_response"
)

type Update struct {
	Kind     UpdateKind
	Snapshot Snapshot
	// Event is the inbound event that caused the update, if any.
	Event *chat.InboundEvent
}
