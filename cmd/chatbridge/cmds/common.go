package cmds

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatbridge/pkg/config"
	"github.com/go-go-golems/chatbridge/pkg/eventtap"
	"github.com/go-go-golems/chatbridge/pkg/session"
	"github.com/go-go-golems/chatbridge/pkg/transport"
)

const recordHelp = "Append every inbound frame to this JSONL file (readable by replay)"

// Middlewares resolves command values from flags, arguments, CHATBRIDGE_*
// environment variables and the section defaults, in that order of priority.
func Middlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(config.EnvPrefix,
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

// openSession builds a websocket-backed session from s. The returned cleanup
// closes the session and everything observing it.
func openSession(s *config.Settings, recordPath string) (*session.Session, func(), error) {
	id := uuid.NewString()
	var topts []transport.Option
	var closers []func() error

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn().Err(err).Msg("cleanup failed")
			}
		}
	}

	if s.Redis.Enabled {
		pub, err := eventtap.NewRedisPublisher(s.Redis.Addr)
		if err != nil {
			return nil, nil, err
		}
		tap, err := eventtap.New(pub, s.Redis.Stream, id)
		if err != nil {
			_ = pub.Close()
			return nil, nil, err
		}
		closers = append(closers, tap.Close)
		topts = append(topts, transport.WithFrameObserver(tap.Observe))
		log.Info().Str("addr", s.Redis.Addr).Str("stream", s.Redis.Stream).Msg("mirroring frames to redis")
	}

	if recordPath != "" {
		rec, err := newFrameRecorder(recordPath)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, rec.Close)
		topts = append(topts, transport.WithFrameObserver(rec.Observe))
	}

	sess, err := session.NewWebSocket(s.Endpoint(), topts,
		session.WithID(id),
		session.WithRequestConfig(s.RequestConfig()),
		session.WithReconnectPolicy(s.ReconnectPolicy()),
	)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	log.Debug().Str("endpoint", s.Endpoint()).Str("session_id", id).Msg("session created")

	cleanup := func() {
		if err := sess.Close(); err != nil {
			log.Debug().Err(err).Msg("close session")
		}
		closeAll()
	}
	return sess, cleanup, nil
}

// waitConnected blocks until the session is connected. It fails when the
// reconnect policy gives up or ctx ends.
func waitConnected(ctx context.Context, sess *session.Session) error {
	if sess.Snapshot().Status == session.StatusConnected {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-sess.Updates():
			if !ok {
				return session.ErrClosed
			}
			if u.Snapshot.Status == session.StatusConnected {
				return nil
			}
			if n := u.Snapshot.Notice; n != nil && n.Kind == session.NoticeGaveUp {
				return errors.Wrap(n.Err, "connect")
			}
			if n := u.Snapshot.Notice; n != nil && n.Kind == session.NoticeConnectionFailure {
				log.Warn().Int("attempt", n.Attempt).Err(n.Err).Msg("could not connect, retrying")
			}
		}
	}
}

// frameRecorder appends inbound frames to a JSONL file.
type frameRecorder struct {
	mu sync.Mutex
	f  *os.File
}

func newFrameRecorder(path string) (*frameRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open record file %s", path)
	}
	return &frameRecorder{f: f}, nil
}

func (r *frameRecorder) Observe(direction string, frame []byte) {
	if direction != transport.DirectionInbound {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, frame); err != nil {
		buf.Reset()
		buf.Write(frame)
	}
	buf.WriteByte('\n')
	if _, err := r.f.Write(buf.Bytes()); err != nil {
		log.Warn().Err(err).Msg("record frame failed")
	}
}

func (r *frameRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
