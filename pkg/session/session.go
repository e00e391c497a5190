// Package session is the caller-side owner of a chat conversation: it holds the
// transcript, folds inbound events into it, keeps the connection alive, and
// exposes the submit operation plus status updates for a rendering layer.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatbridge/pkg/chat"
	"github.com/go-go-golems/chatbridge/pkg/reconnect"
	"github.com/go-go-golems/chatbridge/pkg/transport"
)

var (
	ErrBusy       = errors.New("a request is already in flight")
	ErrEmptyInput = errors.New("input is empty")
	ErrClosed     = errors.New("session closed")
)

// Conn is the part of the transport the session relies on.
type Conn interface {
	Connect(ctx context.Context) error
	OnMessage(h transport.Handler) func()
	Send(payload any) error
	Disconnect() error
}

type Session struct {
	id      string
	conn    Conn
	cfg     chat.RequestConfig
	policy  reconnect.Policy
	logger  zerolog.Logger
	retrier *reconnect.Reconnector

	updates     chan Update
	unsubscribe func()

	// sendMu serializes submits so the lock below is not held across a write
	sendMu sync.Mutex

	mu         sync.Mutex
	transcript chat.Transcript
	status     Status
	busy       bool
	notice     *Notice
	started    bool
	closed     bool
	// sending is set while a submit is on the wire; events arriving meanwhile
	// are held back until the user turn they answer is committed
	sending bool
	held    []chat.InboundEvent
}

type Option func(*Session)

func WithRequestConfig(cfg chat.RequestConfig) Option {
	return func(s *Session) {
		s.cfg = cfg
	}
}

func WithReconnectPolicy(p reconnect.Policy) Option {
	return func(s *Session) {
		s.policy = p
	}
}

func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithUpdateBuffer sets the capacity of the Updates channel.
func WithUpdateBuffer(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.updates = make(chan Update, n)
		}
	}
}

// New wires a session around conn. Nothing happens on the wire until Start.
func New(conn Conn, opts ...Option) (*Session, error) {
	if conn == nil {
		return nil, errors.New("session: connection is nil")
	}
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		policy:  reconnect.DefaultPolicy(),
		updates: make(chan Update, 256),
		status:  StatusDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.With().Str("component", "session").Str("session_id", s.id).Logger()
	s.retrier = reconnect.New(s.policy, s.connectOnce, s.onConnectResult)
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// Updates delivers status, transcript and notice changes. The channel is
// closed by Close.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Start subscribes to the connection and begins connecting in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.unsubscribe = s.conn.OnMessage(s.handleEvent)
	s.mu.Unlock()

	s.retrier.Start(ctx)
	return nil
}

// Close cancels any pending reconnect, stops event delivery and disconnects.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.busy = false
	s.status = StatusDisconnected
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	s.retrier.Stop()
	if unsubscribe != nil {
		unsubscribe()
	}
	err := s.conn.Disconnect()

	s.mu.Lock()
	close(s.updates)
	s.mu.Unlock()
	s.logger.Info().Msg("session closed")
	return err
}

// Snapshot returns the current state. The transcript must be treated as read-only.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Transcript: s.transcript,
		Status:     s.status,
		Busy:       s.busy,
	}
	if s.notice != nil {
		n := *s.notice
		snap.Notice = &n
	}
	return snap
}

// Submit appends a user turn holding input and sends the whole transcript.
//
// If the send fails the transcript is left unchanged and the input stays
// enabled; the caller decides whether to try again.
func (s *Session) Submit(input string) error {
	if strings.TrimSpace(input) == "" {
		return ErrEmptyInput
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	next, req := chat.BuildRequest(s.transcript, input, s.cfg)
	s.sending = true
	s.mu.Unlock()

	err := s.conn.Send(req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sending = false
	held := s.held
	s.held = nil
	if err != nil {
		for _, ev := range held {
			s.applyLocked(ev)
		}
		s.logger.Warn().Err(err).Msg("submit failed")
		return errors.Wrap(err, "submit")
	}
	s.transcript = next
	s.busy = true
	s.notice = nil
	s.publishLocked(Update{Kind: UpdateTranscript, Snapshot: s.snapshotLocked()})
	for _, ev := range held {
		s.applyLocked(ev)
	}

	s.logger.Debug().Int("turns", len(next)).Int("held", len(held)).Msg("submitted")
	return nil
}

func (s *Session) handleEvent(ev chat.InboundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.sending {
		s.held = append(s.held, ev)
		return
	}
	s.applyLocked(ev)
}

func (s *Session) applyLocked(ev chat.InboundEvent) {
	if s.closed {
		return
	}
	s.transcript = chat.Reduce(s.transcript, ev)

	switch ev.Type {
	case chat.EventContent, chat.EventToolResult:
		s.publishLocked(Update{Kind: UpdateTranscript, Snapshot: s.snapshotLocked(), Event: &ev})
	case chat.EventComplete:
		s.busy = false
		s.publishLocked(Update{Kind: UpdateComplete, Snapshot: s.snapshotLocked(), Event: &ev})
	case chat.EventError:
		s.busy = false
		msg := ev.ErrorMessage()
		s.notice = &Notice{Kind: NoticeBackendError, Err: &BackendError{Message: msg, Payload: ev.Data}}
		s.logger.Error().Str("error", msg).Msg("backend reported an error")
		s.publishLocked(Update{Kind: UpdateNotice, Snapshot: s.snapshotLocked(), Event: &ev})
	case chat.EventAPIResponse:
		s.publishLocked(Update{Kind: UpdateAPIResponse, Snapshot: s.snapshotLocked(), Event: &ev})
	default:
		s.logger.Debug().Str("type", string(ev.Type)).Msg("ignoring unknown event type")
	}
}

// connectOnce is the reconnector's attempt.
func (s *Session) connectOnce(ctx context.Context) error {
	s.setStatus(StatusConnecting, nil)
	return s.conn.Connect(ctx)
}

func (s *Session) onConnectResult(attempt int, err error) {
	if err == nil {
		s.logger.Info().Int("attempt", attempt).Msg("connected")
		s.setStatus(StatusConnected, nil)
		return
	}
	kind := NoticeConnectionFailure
	if errors.Is(err, reconnect.ErrGaveUp) {
		kind = NoticeGaveUp
	}
	s.setStatus(StatusDisconnected, &Notice{Kind: kind, Err: err, Attempt: attempt})
}

// HandleDisconnect is wired as the transport close handler: a connection
// dropped by the backend ends any in-flight turn and restarts the connect loop.
// The partially streamed turn stays in the transcript.
func (s *Session) HandleDisconnect(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.busy = false
	s.mu.Unlock()

	s.logger.Warn().Err(err).Msg("connection lost, reconnecting")
	s.setStatus(StatusDisconnected, &Notice{Kind: NoticeConnectionLost, Err: err})
	s.retrier.Start(context.Background())
}

func (s *Session) setStatus(st Status, n *Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.status = st
	if n != nil {
		s.notice = n
	} else if st == StatusConnected && s.notice != nil && s.notice.Kind.IsConnection() {
		s.notice = nil
	}
	s.publishLocked(Update{Kind: UpdateStatus, Snapshot: s.snapshotLocked()})
}

// publishLocked never blocks; a slow consumer loses intermediate updates but
// every update carries a full snapshot.
func (s *Session) publishLocked(u Update) {
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
	default:
		s.logger.Warn().Str("kind", string(u.Kind)).Msg("update channel full, dropping update")
	}
}

// NewWebSocket builds a websocket transport for url and a session driving it,
// with the transport's close handler routed to HandleDisconnect.
func NewWebSocket(url string, topts []transport.Option, opts ...Option) (*Session, error) {
	var s *Session
	all := append([]transport.Option{}, topts...)
	all = append(all, transport.WithCloseHandler(func(err error) {
		if s != nil {
			s.HandleDisconnect(err)
		}
	}))
	s, err := New(transport.New(url, all...), opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}
