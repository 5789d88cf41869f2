package duel

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/duel/internal/rules"
)

// Reason explains how a game ended.
type Reason string

const (
	ReasonCheckmate     Reason = "checkmate"
	ReasonStalemate     Reason = "stalemate"
	ReasonDraw          Reason = "draw"
	ReasonResignation   Reason = "resignation"
	ReasonTimeout       Reason = "timeout"
	ReasonDisconnection Reason = "disconnection"
)

// GameEndState is set once. Winner is nil for drawn outcomes.
type GameEndState struct {
	Over   bool
	Winner *Side
	Reason Reason
	Detail string
	At     time.Time
}

// WinnerSide returns the winner as a string, empty for draws.
func (g GameEndState) WinnerSide() string {
	if g.Winner == nil {
		return ""
	}
	return string(*g.Winner)
}

// EndDetector fires at most once per game and moves the turn machine to its
// terminal state when it does.
type EndDetector struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	turn   *TurnMachine
	state  GameEndState
	onFire func(GameEndState)
}

func NewEndDetector(turn *TurnMachine, clock clockwork.Clock, onFire func(GameEndState)) *EndDetector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EndDetector{clock: clock, turn: turn, onFire: onFire}
}

// Fire ends the game. It returns false when the game was already over.
func (d *EndDetector) Fire(reason Reason, winner *Side, detail string) bool {
	d.mu.Lock()
	if d.state.Over {
		d.mu.Unlock()
		return false
	}
	d.state = GameEndState{Over: true, Winner: winner, Reason: reason, Detail: detail, At: d.clock.Now()}
	st := d.state
	d.mu.Unlock()

	if d.turn != nil {
		d.turn.End()
	}
	if d.onFire != nil {
		d.onFire(st)
	}
	return true
}

// FromEffects inspects terminal flags of a move made by mover.
func (d *EndDetector) FromEffects(mover Side, fx rules.Effects) bool {
	switch {
	case fx.Checkmate:
		return d.Fire(ReasonCheckmate, sidePtr(mover), "")
	case fx.Stalemate:
		return d.Fire(ReasonStalemate, nil, "")
	case fx.Draw:
		return d.Fire(ReasonDraw, nil, fx.DrawMethod)
	}
	return false
}

// Resign ends the game in favour of the opponent of claimed. The claimed side
// must be the side of the requesting connection.
func (d *EndDetector) Resign(requesting, claimed Side) error {
	if requesting != claimed {
		return ErrResignMismatch
	}
	if !d.Fire(ReasonResignation, sidePtr(claimed.Other()), "") {
		return ErrGameOver
	}
	return nil
}

// Forfeit ends the game because lost could not come back in time.
func (d *EndDetector) Forfeit(lost Side) bool {
	return d.Fire(ReasonDisconnection, sidePtr(lost.Other()), "")
}

// TimedOut ends the game because side did not move within its allowance.
func (d *EndDetector) TimedOut(side Side) bool {
	return d.Fire(ReasonTimeout, sidePtr(side.Other()), "")
}

func (d *EndDetector) State() GameEndState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *EndDetector) Over() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Over
}

func sidePtr(s Side) *Side { return &s }
