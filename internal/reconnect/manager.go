// Package reconnect runs bounded, backed-off reconnection attempts for a side
// that dropped without announcing it.
package reconnect

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/internal/obslog"
)

// Policy bounds a reconnection run. Attempt k waits Unit*Base^k.
type Policy struct {
	MaxAttempts    int
	Base           float64
	Unit           time.Duration
	Window         time.Duration
	AttemptTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		Base:           2,
		Unit:           time.Second,
		Window:         30 * time.Second,
		AttemptTimeout: 5 * time.Second,
	}
}

// Delay is the wait before attempt k, counting from 1.
func (p Policy) Delay(k int) time.Duration {
	return time.Duration(float64(p.Unit) * math.Pow(p.Base, float64(k)))
}

// Attempt tries once to restore the link. nil means recovered.
type Attempt func(ctx context.Context, n int) error

type Options struct {
	Policy      Policy
	Store       Store
	Clock       clockwork.Clock
	Logger      *zap.Logger
	OnRecovered func(Record)
	OnExhausted func(Record)
}

type outcome int

const (
	recovered outcome = iota
	exhausted
	cancelled
)

type run struct {
	cancel   context.CancelFunc
	resolved chan struct{}
	once     sync.Once
	done     chan struct{}
}

func (r *run) resolve() { r.once.Do(func() { close(r.resolved) }) }

// Manager holds at most one run per side.
type Manager struct {
	mu     sync.Mutex
	opts   Options
	clock  clockwork.Clock
	logger *zap.Logger
	runs   map[duel.Side]*run
}

func NewManager(opts Options) *Manager {
	def := DefaultPolicy()
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = def.MaxAttempts
	}
	if opts.Policy.Base < 1 {
		opts.Policy.Base = def.Base
	}
	if opts.Policy.Unit <= 0 {
		opts.Policy.Unit = def.Unit
	}
	if opts.Policy.Window <= 0 {
		opts.Policy.Window = def.Window
	}
	if opts.Policy.AttemptTimeout <= 0 {
		opts.Policy.AttemptTimeout = def.AttemptTimeout
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		opts:   opts,
		clock:  opts.Clock,
		logger: obslog.Or(opts.Logger),
		runs:   map[duel.Side]*run{},
	}
}

// Begin persists rec and starts attempting in the background. A run already
// in progress for the same side is cancelled first.
func (m *Manager) Begin(ctx context.Context, rec Record, attempt Attempt) error {
	if rec.DisconnectedAt.IsZero() {
		rec.DisconnectedAt = m.clock.Now()
	}
	rec.Active = true
	rec.Attempts = 0
	if err := m.opts.Store.Save(ctx, rec); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, resolved: make(chan struct{}), done: make(chan struct{})}
	m.mu.Lock()
	if prev := m.runs[rec.Side]; prev != nil {
		prev.cancel()
	}
	m.runs[rec.Side] = r
	m.mu.Unlock()

	m.logger.Info("reconnect_begin",
		zap.String("session_id", rec.SessionID),
		zap.String("side", string(rec.Side)),
		zap.Int("last_half_move", rec.LastHalfMove),
	)
	go m.loop(runCtx, r, rec, attempt)
	return nil
}

// Resolve reports that side came back by other means. It returns false when
// no run is active.
func (m *Manager) Resolve(side duel.Side) bool {
	m.mu.Lock()
	r := m.runs[side]
	m.mu.Unlock()
	if r == nil {
		return false
	}
	r.resolve()
	return true
}

// Cancel stops the run for side without firing any callback.
func (m *Manager) Cancel(side duel.Side) {
	m.mu.Lock()
	r := m.runs[side]
	m.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// Active reports whether a run for side is in progress.
func (m *Manager) Active(side duel.Side) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[side] != nil
}

// Done returns a channel closed when the current run for side finishes.
func (m *Manager) Done(side duel.Side) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.runs[side]; r != nil {
		return r.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Close cancels every run.
func (m *Manager) Close() {
	m.mu.Lock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()
	for _, r := range runs {
		r.cancel()
		<-r.done
	}
}

func (m *Manager) loop(ctx context.Context, r *run, rec Record, attempt Attempt) {
	defer close(r.done)
	result := m.attempts(ctx, r, &rec, attempt)

	m.mu.Lock()
	if m.runs[rec.Side] == r {
		delete(m.runs, rec.Side)
	}
	m.mu.Unlock()

	store := context.Background()
	log := m.logger.With(
		zap.String("session_id", rec.SessionID),
		zap.String("side", string(rec.Side)),
		zap.Int("attempts", rec.Attempts),
	)
	switch result {
	case recovered:
		if err := m.opts.Store.Delete(store, rec.SessionID, rec.Side); err != nil {
			log.Warn("reconnect_store_delete_failed", zap.Error(err))
		}
		log.Info("reconnect_recovered")
		if m.opts.OnRecovered != nil {
			m.opts.OnRecovered(rec)
		}
	case exhausted:
		rec.Active = false
		if err := m.opts.Store.Save(store, rec); err != nil {
			log.Warn("reconnect_store_save_failed", zap.Error(err))
		}
		log.Warn("reconnect_exhausted")
		if m.opts.OnExhausted != nil {
			m.opts.OnExhausted(rec)
		}
	case cancelled:
		if err := m.opts.Store.Delete(store, rec.SessionID, rec.Side); err != nil {
			log.Warn("reconnect_store_delete_failed", zap.Error(err))
		}
		log.Info("reconnect_cancelled")
	}
}

func (m *Manager) attempts(ctx context.Context, r *run, rec *Record, attempt Attempt) outcome {
	p := m.opts.Policy
	deadline := rec.DisconnectedAt.Add(p.Window)
	for k := 1; k <= p.MaxAttempts; k++ {
		left := m.clock.Until(deadline)
		if left <= 0 {
			return exhausted
		}
		wait := p.Delay(k)
		capped := wait > left
		if capped {
			wait = left
		}
		timer := m.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return cancelled
		case <-r.resolved:
			timer.Stop()
			return recovered
		case <-timer.Chan():
		}
		if capped {
			return exhausted
		}

		rec.Attempts = k
		if err := m.opts.Store.Save(ctx, *rec); err != nil {
			m.logger.Warn("reconnect_store_save_failed",
				zap.String("session_id", rec.SessionID),
				zap.String("side", string(rec.Side)),
				zap.Int("attempts", k),
				zap.Error(err),
			)
		}
		actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		err := attempt(actx, k)
		cancel()
		if err == nil {
			return recovered
		}
		select {
		case <-r.resolved:
			return recovered
		default:
		}
		if ctx.Err() != nil {
			return cancelled
		}
		m.logger.Info("reconnect_attempt",
			zap.String("side", string(rec.Side)),
			zap.Int("attempt", k),
			zap.Duration("waited", wait),
			zap.Error(err),
		)
	}
	return exhausted
}
