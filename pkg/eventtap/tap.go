// Package eventtap mirrors the raw frames of a chat session onto a watermill
// topic so that out-of-process observers (debuggers, dashboards) can follow a
// conversation live. Nothing is ever read back from the topic.
package eventtap

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	MetadataDirection = "direction"
	MetadataSessionID = "session_id"

	DefaultBuffer = 256
	// closeTimeout bounds how long Close waits for queued frames to drain.
	closeTimeout = 2 * time.Second
)

type frame struct {
	direction string
	payload   []byte
}

// Tap queues frames and publishes them from its own goroutine, so a slow or
// unreachable broker never holds up the connection feeding it. Frames arriving
// while the queue is full are dropped.
type Tap struct {
	pub       message.Publisher
	topic     string
	sessionID string
	logger    zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan frame
	done    chan struct{}
	dropped atomic.Int64
}

type Option func(*Tap)

// WithBuffer sets how many frames may wait for the publisher.
func WithBuffer(n int) Option {
	return func(t *Tap) {
		if n > 0 {
			t.queue = make(chan frame, n)
		}
	}
}

func New(pub message.Publisher, topic, sessionID string, opts ...Option) (*Tap, error) {
	if pub == nil {
		return nil, errors.New("eventtap: publisher is nil")
	}
	if topic == "" {
		return nil, errors.New("eventtap: topic is empty")
	}
	t := &Tap{
		pub:       pub,
		topic:     topic,
		sessionID: sessionID,
		logger:    log.With().Str("component", "eventtap").Str("topic", topic).Logger(),
		queue:     make(chan frame, DefaultBuffer),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.publishLoop()
	return t, nil
}

// Observe queues one frame without blocking. It has the shape of a transport
// frame observer. Publishing failures are logged and never reach the chat
// session.
func (t *Tap) Observe(direction string, payload []byte) {
	if t == nil || len(payload) == 0 {
		return
	}
	// the frame outlives this call
	f := frame{direction: direction, payload: append([]byte(nil), payload...)}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- f:
	default:
		n := t.dropped.Add(1)
		t.logger.Warn().Str("direction", direction).Int64("dropped", n).Msg("frame queue full, dropping frame")
	}
}

// Dropped returns how many frames were discarded because the queue was full.
func (t *Tap) Dropped() int64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

func (t *Tap) publishLoop() {
	defer close(t.done)
	for f := range t.queue {
		t.publish(f)
	}
}

func (t *Tap) publish(f frame) {
	msg := message.NewMessage(uuid.NewString(), redactCredential(f.payload))
	msg.Metadata.Set(MetadataDirection, f.direction)
	if t.sessionID != "" {
		msg.Metadata.Set(MetadataSessionID, t.sessionID)
	}
	if err := t.pub.Publish(t.topic, msg); err != nil {
		t.logger.Warn().Err(err).Str("direction", f.direction).Msg("publish frame failed")
	}
}

// Close stops accepting frames, gives the queued ones a moment to drain and
// closes the publisher. It is safe to call more than once.
func (t *Tap) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	select {
	case <-t.done:
	case <-time.After(closeTimeout):
		t.logger.Warn().Int("pending", len(t.queue)).Msg("publisher did not drain in time")
	}
	return t.pub.Close()
}

// redactCredential blanks the api_key field of outbound requests.
func redactCredential(frame []byte) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(frame, &obj); err != nil {
		return frame
	}
	if _, ok := obj["api_key"]; !ok {
		return frame
	}
	obj["api_key"] = json.RawMessage(`"[redacted]"`)
	out, err := json.Marshal(obj)
	if err != nil {
		return frame
	}
	return out
}
