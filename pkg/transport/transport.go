package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatbridge/pkg/chat"
)

var (
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrConnectionFailure classifies a connection attempt that did not open.
	ErrConnectionFailure = errors.New("connection failure")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// FrameObserver sees raw frames before decoding (inbound) or after encoding (outbound).
type FrameObserver func(direction string, frame []byte)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Transport owns a single websocket connection to the chat backend and relays
// JSON frames. It has no knowledge of chat semantics beyond decoding the event
// envelope.
type Transport struct {
	url          string
	dialer       *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
	onClose      func(error)
	observer     FrameObserver
	logger       zerolog.Logger

	handlers *handlerRegistry

	mu      sync.Mutex
	writeMu sync.Mutex
	state   State
	conn    *websocket.Conn
	closing map[*websocket.Conn]struct{}
}

type Option func(*Transport)

func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

func WithHeader(h http.Header) Option {
	return func(t *Transport) {
		t.header = h.Clone()
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.writeTimeout = d
	}
}

// WithCloseHandler registers a callback invoked when the remote side drops an
// open connection. It is not called for a local Disconnect.
func WithCloseHandler(fn func(error)) Option {
	return func(t *Transport) {
		t.onClose = fn
	}
}

// WithFrameObserver adds an observer. Several observers run in the order they
// were added.
func WithFrameObserver(fn FrameObserver) Option {
	return func(t *Transport) {
		if fn == nil {
			return
		}
		prev := t.observer
		if prev == nil {
			t.observer = fn
			return
		}
		t.observer = func(direction string, frame []byte) {
			prev(direction, frame)
			fn(direction, frame)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url:          url,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		writeTimeout: 10 * time.Second,
		handlers:     newHandlerRegistry(),
		closing:      map[*websocket.Conn]struct{}{},
		logger:       log.With().Str("component", "transport").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("url", url).Logger()
	return t
}

func (t *Transport) URL() string {
	return t.url
}

func (t *Transport) State() State {
	if t == nil {
		return StateDisconnected
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect performs exactly one connection attempt and blocks until the
// connection is open or the attempt failed. Calling it while a connection is
// open or being opened returns immediately.
func (t *Transport) Connect(ctx context.Context) error {
	if t == nil {
		return errors.New("transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	switch t.state {
	case StateOpen:
		t.mu.Unlock()
		return nil
	case StateConnecting:
		t.mu.Unlock()
		return errors.New("connection attempt already in progress")
	}
	t.state = StateConnecting
	t.mu.Unlock()

	t.logger.Debug().Msg("dialing")
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.mu.Lock()
		if t.state == StateConnecting {
			t.state = StateDisconnected
		}
		t.mu.Unlock()
		return errors.Wrapf(ErrConnectionFailure, "dial %s: %v", t.url, err)
	}

	t.mu.Lock()
	if t.state != StateConnecting {
		// Disconnect ran while we were dialing
		t.mu.Unlock()
		_ = conn.Close()
		return errors.Wrap(ErrConnectionFailure, "disconnected while connecting")
	}
	t.state = StateOpen
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info().Msg("connected")
	go t.readLoop(conn)
	return nil
}

// OnMessage registers h for every inbound event. The returned function removes
// exactly this registration and may be called any number of times, including
// from inside a handler.
func (t *Transport) OnMessage(h Handler) func() {
	if t == nil || h == nil {
		return func() {}
	}
	return t.handlers.add(h)
}

// Send encodes payload as JSON and writes it as one text frame.
func (t *Transport) Send(payload any) error {
	if t == nil {
		return ErrNotConnected
	}
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen && conn != nil
	t.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Wrap(err, "write frame")
	}
	if t.observer != nil {
		t.observer(DirectionOutbound, b)
	}
	t.logger.Debug().Int("bytes", len(b)).Msg("frame sent")
	return nil
}

// Disconnect closes the connection if one is open. It is a no-op otherwise.
func (t *Transport) Disconnect() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	if conn != nil {
		t.closing[conn] = struct{}{}
	}
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()
	t.logger.Info().Msg("disconnected")
	return conn.Close()
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleReadEnd(conn, err)
			return
		}
		if t.observer != nil {
			t.observer(DirectionInbound, data)
		}
		ev, err := chat.ParseInboundEvent(data)
		if err != nil {
			t.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		t.handlers.dispatch(ev)
	}
}

func (t *Transport) handleReadEnd(conn *websocket.Conn, err error) {
	t.mu.Lock()
	_, local := t.closing[conn]
	delete(t.closing, conn)
	remote := !local && t.conn == conn
	if remote {
		t.conn = nil
		t.state = StateDisconnected
	}
	onClose := t.onClose
	t.mu.Unlock()

	if !remote {
		t.logger.Debug().Err(err).Msg("read loop end")
		return
	}
	_ = conn.Close()
	t.logger.Warn().Err(err).Msg("connection dropped")
	if onClose != nil {
		onClose(err)
	}
}
