package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultDelay = 5 * time.Second

// ErrGaveUp is reported when MaxAttempts consecutive attempts failed.
var ErrGaveUp = errors.New("reconnect: giving up")

// Policy describes when to retry a failed attempt.
type Policy struct {
	// Delay between a failed attempt and the next one.
	Delay time.Duration
	// MaxAttempts bounds consecutive attempts; 0 retries forever.
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{Delay: DefaultDelay}
}

type AttemptFunc func(ctx context.Context) error

// ResultFunc is told about every attempt outcome. err is nil on success and
// wraps ErrGaveUp on the final failure when MaxAttempts is reached.
type ResultFunc func(attempt int, err error)

// Reconnector runs an attempt until it succeeds, waiting Policy.Delay between
// failures. Stop cancels the pending retry timer and the context handed to a
// running attempt; once stopped nothing runs again.
type Reconnector struct {
	policy   Policy
	attempt  AttemptFunc
	onResult ResultFunc

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	running  bool
	again    bool
	stopped  bool
	attempts int
	total    int
}

func New(policy Policy, attempt AttemptFunc, onResult ResultFunc) *Reconnector {
	if policy.Delay < 0 {
		policy.Delay = 0
	}
	return &Reconnector{
		policy:   policy,
		attempt:  attempt,
		onResult: onResult,
	}
}

// Start kicks off a loop in the background. It is a no-op after Stop. While a
// loop is running, Start marks the in-flight attempt as stale: if it succeeds
// the success is swallowed and a fresh attempt runs immediately.
func (r *Reconnector) Start(ctx context.Context) {
	if r == nil || r.attempt == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.running {
		// a loop is in flight; if it ends in success, go around once more
		r.again = true
		r.mu.Unlock()
		return
	}
	if r.ctx == nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	r.running = true
	r.attempts = 0
	r.mu.Unlock()

	go r.run()
}

func (r *Reconnector) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stopped = true
	r.running = false
	r.stopTimerLocked()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
}

// Pending reports whether a retry timer is armed.
func (r *Reconnector) Pending() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

func (r *Reconnector) Running() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Attempts returns the number of attempts made over the reconnector's lifetime.
func (r *Reconnector) Attempts() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *Reconnector) run() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.attempts++
	r.total++
	n := r.attempts
	ctx := r.ctx
	r.mu.Unlock()

	err := r.attempt(ctx)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if err == nil {
		if r.again {
			// Start was called while this attempt ran: whatever it opened is
			// already gone, so its success is not reported
			r.again = false
			r.attempts = 0
			r.mu.Unlock()
			log.Debug().Str("component", "reconnect").Int("attempt", n).Msg("restart requested during attempt, running again")
			go r.run()
			return
		}
		r.running = false
		r.mu.Unlock()
		r.report(n, nil)
		return
	}
	if r.policy.MaxAttempts > 0 && n >= r.policy.MaxAttempts {
		r.running = false
		r.again = false
		r.mu.Unlock()
		r.report(n, errors.Wrapf(ErrGaveUp, "after %d attempts: %v", n, err))
		return
	}
	// a retry is coming anyway
	r.again = false
	r.mu.Unlock()

	log.Warn().Err(err).Str("component", "reconnect").Int("attempt", n).Dur("retry_in", r.policy.Delay).Msg("attempt failed")
	// report before arming the timer so outcomes are observed in attempt order
	r.report(n, err)

	r.mu.Lock()
	if !r.stopped {
		r.scheduleLocked()
	}
	r.mu.Unlock()
}

func (r *Reconnector) report(n int, err error) {
	if r.onResult != nil {
		r.onResult(n, err)
	}
}

func (r *Reconnector) scheduleLocked() {
	r.stopTimerLocked()
	r.timer = time.AfterFunc(r.policy.Delay, r.run)
}

func (r *Reconnector) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
