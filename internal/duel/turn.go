package duel

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TurnState is a read-only view of the authority's turn.
type TurnState struct {
	Side             Side
	Sequence         uint64
	MoveInProgress   bool
	TransitionLocked bool
	Over             bool
}

// TurnMachine arbitrates whose move it is. It is the only place where the
// side to move changes on the authority.
type TurnMachine struct {
	mu    sync.Mutex
	clock clockwork.Clock

	side       Side
	seq        uint64
	inProgress bool
	over       bool

	locked    bool
	lockGen   uint64
	lockTimer clockwork.Timer
	onRelease func()
}

func NewTurnMachine(start Side, clock clockwork.Clock) *TurnMachine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if !start.Valid() {
		start = White
	}
	return &TurnMachine{clock: clock, side: start}
}

// OnLockRelease registers fn to run every time a transition lock expires.
func (t *TurnMachine) OnLockRelease(fn func()) {
	t.mu.Lock()
	t.onRelease = fn
	t.mu.Unlock()
}

// CanMove reports whether side may start a move right now.
func (t *TurnMachine) CanMove(side Side) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.over && !t.inProgress && !t.locked && t.side == side
}

// Begin moves WaitingForMove(side) into MoveInProgress(side).
func (t *TurnMachine) Begin(side Side) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.over:
		return ErrGameOver
	case t.side != side:
		return ErrWrongTurn
	case t.inProgress, t.locked:
		return ErrMoveInProgress
	}
	t.inProgress = true
	return nil
}

// Abort returns MoveInProgress(side) to WaitingForMove(side).
func (t *TurnMachine) Abort(side Side) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inProgress && t.side == side {
		t.inProgress = false
	}
}

// Complete hands the turn to next after an applied move with sequence seq.
// A positive lock holds the transition closed for that long.
func (t *TurnMachine) Complete(next Side, seq uint64, lock time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.over {
		return ErrGameOver
	}
	var err error
	if next != t.side.Other() {
		err = ErrTurnOrder
	}
	t.side = next
	t.seq = seq
	t.inProgress = false
	if lock > 0 {
		t.lockLocked(lock)
	}
	return err
}

// LockForTransition blocks every side from moving for d.
func (t *TurnMachine) LockForTransition(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lockLocked(d)
}

func (t *TurnMachine) lockLocked(d time.Duration) {
	if t.lockTimer != nil {
		t.lockTimer.Stop()
	}
	t.lockGen++
	gen := t.lockGen
	t.locked = true
	t.lockTimer = t.clock.AfterFunc(d, func() { t.release(gen) })
}

func (t *TurnMachine) release(gen uint64) {
	t.mu.Lock()
	if gen != t.lockGen || !t.locked {
		t.mu.Unlock()
		return
	}
	t.locked = false
	t.lockTimer = nil
	fn := t.onRelease
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// End is terminal; nothing moves the machine out of it except Reset.
func (t *TurnMachine) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.over = true
	t.inProgress = false
	t.stopLockLocked()
}

// Reset starts a fresh game with start to move.
func (t *TurnMachine) Reset(start Side) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLockLocked()
	t.side = start
	t.seq = 0
	t.inProgress = false
	t.over = false
}

func (t *TurnMachine) stopLockLocked() {
	if t.lockTimer != nil {
		t.lockTimer.Stop()
		t.lockTimer = nil
	}
	t.lockGen++
	t.locked = false
}

func (t *TurnMachine) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TurnState{
		Side:             t.side,
		Sequence:         t.seq,
		MoveInProgress:   t.inProgress,
		TransitionLocked: t.locked,
		Over:             t.over,
	}
}

// TurnView is the replicated, read-only turn indicator held by a participant.
// Writes are idempotent and never move backwards.
type TurnView struct {
	mu    sync.RWMutex
	epoch uint64
	side  Side
	seq   uint64
	set   bool
}

// Apply records (side, seq) for epoch and reports whether it changed the view.
func (v *TurnView) Apply(epoch uint64, side Side, seq uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.set {
		if epoch < v.epoch {
			return false
		}
		if epoch == v.epoch && seq <= v.seq {
			return false
		}
	}
	v.epoch, v.side, v.seq, v.set = epoch, side, seq, true
	return true
}

func (v *TurnView) Side() Side {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.side
}

func (v *TurnView) Sequence() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.seq
}

// IsMyTurn reports whether the view says side is to move.
func (v *TurnView) IsMyTurn(side Side) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.set && v.side == side
}
