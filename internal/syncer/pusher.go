// Package syncer replicates canonical state from the authority to every
// participant and keeps replicas converged.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/internal/obslog"
	"github.com/park285/duel/pkg/duelwire"
)

const DefaultHeartbeat = 100 * time.Millisecond

// Sender delivers one envelope to one connected recipient.
type Sender interface {
	Send(ctx context.Context, clientID string, env duelwire.Envelope) error
	Recipients() []string
}

type Options struct {
	Clock     clockwork.Clock
	Heartbeat time.Duration
	Logger    *zap.Logger
}

// Pusher sends the full snapshot after every mutation and re-sends it on a
// heartbeat to any recipient whose last successful send is behind.
type Pusher struct {
	mu       sync.Mutex
	out      Sender
	clock    clockwork.Clock
	interval time.Duration
	logger   *zap.Logger

	current duelwire.StateSnapshot
	have    bool
	sent    map[string]uint64
}

func NewPusher(out Sender, opts Options) *Pusher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &Pusher{
		out:      out,
		clock:    opts.Clock,
		interval: opts.Heartbeat,
		logger:   obslog.Or(opts.Logger),
		sent:     make(map[string]uint64),
	}
}

// Push records snap as current and sends it to every recipient. Snapshots
// older than the current one are dropped.
func (p *Pusher) Push(ctx context.Context, snap duel.Snapshot) {
	ws := ToWire(snap)
	p.mu.Lock()
	if p.have && ws.Revision <= p.current.Revision {
		p.mu.Unlock()
		return
	}
	p.current, p.have = ws, true
	p.mu.Unlock()

	for _, id := range p.out.Recipients() {
		p.sendTo(ctx, id, ws)
	}
}

// Resync forgets what clientID has and sends the current snapshot now.
func (p *Pusher) Resync(ctx context.Context, clientID string) error {
	p.mu.Lock()
	delete(p.sent, clientID)
	ws, have := p.current, p.have
	p.mu.Unlock()
	if !have {
		return nil
	}
	return p.sendTo(ctx, clientID, ws)
}

// Forget drops delivery tracking for a recipient that left.
func (p *Pusher) Forget(clientID string) {
	p.mu.Lock()
	delete(p.sent, clientID)
	p.mu.Unlock()
}

// Current returns the last pushed snapshot.
func (p *Pusher) Current() (duelwire.StateSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.have
}

// Run drives the heartbeat until ctx is done.
func (p *Pusher) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			p.heartbeat(ctx)
		}
	}
}

func (p *Pusher) heartbeat(ctx context.Context) {
	p.mu.Lock()
	if !p.have {
		p.mu.Unlock()
		return
	}
	ws := p.current
	behind := make([]string, 0, 2)
	for _, id := range p.out.Recipients() {
		if p.sent[id] != ws.Revision {
			behind = append(behind, id)
		}
	}
	p.mu.Unlock()

	for _, id := range behind {
		p.sendTo(ctx, id, ws)
	}
}

func (p *Pusher) sendTo(ctx context.Context, clientID string, ws duelwire.StateSnapshot) error {
	env, err := duelwire.Encode(duelwire.TypeStateSnapshot, ws)
	if err != nil {
		return err
	}
	if err := p.out.Send(ctx, clientID, env); err != nil {
		p.logger.Debug("sync_send_failed",
			zap.String("client_id", clientID),
			zap.Uint64("revision", ws.Revision),
			zap.Error(err),
		)
		return err
	}
	p.mu.Lock()
	if ws.Revision > p.sent[clientID] {
		p.sent[clientID] = ws.Revision
	}
	p.mu.Unlock()
	return nil
}
