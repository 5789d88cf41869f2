package syncer

import (
	"sync"

	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/pkg/duelwire"
)

// Replica is a participant's read-only copy of canonical state. It is
// replaced wholesale by newer snapshots and never written locally.
type Replica struct {
	mu   sync.RWMutex
	snap duelwire.StateSnapshot
	have bool
	turn duel.TurnView
}

// ApplySnapshot installs s when its revision is newer than the held one.
func (r *Replica) ApplySnapshot(s duelwire.StateSnapshot) bool {
	r.mu.Lock()
	if r.have && s.Revision <= r.snap.Revision {
		r.mu.Unlock()
		return false
	}
	r.snap, r.have = s, true
	r.mu.Unlock()
	if side, err := duel.ParseSide(s.TurnSide); err == nil {
		r.turn.Apply(s.Epoch, side, s.Sequence)
	}
	return true
}

// ApplyTurn records a turn change; duplicates and stale ones are ignored.
func (r *Replica) ApplyTurn(tc duelwire.TurnChanged) bool {
	side, err := duel.ParseSide(tc.NewSide)
	if err != nil {
		return false
	}
	return r.turn.Apply(tc.Epoch, side, tc.Sequence)
}

func (r *Replica) Snapshot() (duelwire.StateSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap, r.have
}

// HalfMoveIndex is what a reconnecting participant reports to the host.
func (r *Replica) HalfMoveIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.HalfMoveIndex
}

// NextSequence is the sequence number a new move request must carry.
func (r *Replica) NextSequence() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.Sequence + 1
}

// IsMyTurn reports whether side may submit according to the replica.
func (r *Replica) IsMyTurn(side duel.Side) bool {
	r.mu.RLock()
	over := r.have && r.snap.End != nil
	r.mu.RUnlock()
	return !over && r.turn.IsMyTurn(side)
}

func (r *Replica) Over() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.have && r.snap.End != nil
}
