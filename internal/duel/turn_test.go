package duel

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestTurnMachineTransitions(t *testing.T) {
	tm := NewTurnMachine(White, clockwork.NewFakeClock())
	if !tm.CanMove(White) || tm.CanMove(Black) {
		t.Fatalf("initial CanMove wrong")
	}
	if err := tm.Begin(Black); !errors.Is(err, ErrWrongTurn) {
		t.Fatalf("begin black: %v", err)
	}
	if err := tm.Begin(White); err != nil {
		t.Fatalf("begin white: %v", err)
	}
	if err := tm.Begin(White); !errors.Is(err, ErrMoveInProgress) {
		t.Fatalf("double begin: %v", err)
	}
	tm.Abort(White)
	if !tm.CanMove(White) {
		t.Fatalf("abort did not return to waiting")
	}
	_ = tm.Begin(White)
	if err := tm.Complete(Black, 1, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if st := tm.State(); st.Side != Black || st.Sequence != 1 || st.MoveInProgress {
		t.Fatalf("state = %+v", st)
	}
	tm.End()
	if err := tm.Begin(Black); !errors.Is(err, ErrGameOver) {
		t.Fatalf("begin after end: %v", err)
	}
	if tm.CanMove(Black) || tm.CanMove(White) {
		t.Fatalf("CanMove after end")
	}
}

func TestTurnMachineCompleteRequiresAlternation(t *testing.T) {
	tm := NewTurnMachine(White, nil)
	_ = tm.Begin(White)
	if err := tm.Complete(White, 1, 0); !errors.Is(err, ErrTurnOrder) {
		t.Fatalf("expected turn order error, got %v", err)
	}
}

func TestTransitionLockReleaseHook(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tm := NewTurnMachine(White, fc)
	released := make(chan struct{}, 1)
	tm.OnLockRelease(func() { released <- struct{}{} })

	_ = tm.Begin(White)
	if err := tm.Complete(Black, 1, 100*time.Millisecond); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tm.CanMove(Black) {
		t.Fatalf("CanMove while locked")
	}
	if err := tm.Begin(Black); !errors.Is(err, ErrMoveInProgress) {
		t.Fatalf("begin while locked: %v", err)
	}
	if err := tm.Begin(White); !errors.Is(err, ErrWrongTurn) {
		t.Fatalf("begin by last mover while locked: %v", err)
	}
	fc.Advance(99 * time.Millisecond)
	if !tm.State().TransitionLocked {
		t.Fatalf("released early")
	}
	fc.Advance(time.Millisecond)
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatalf("release hook not called")
	}
	if !tm.CanMove(Black) {
		t.Fatalf("still locked after release")
	}
}

func TestEndCancelsPendingLock(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tm := NewTurnMachine(White, fc)
	called := make(chan struct{}, 1)
	tm.OnLockRelease(func() { called <- struct{}{} })
	tm.LockForTransition(time.Second)
	tm.End()
	fc.Advance(2 * time.Second)
	select {
	case <-called:
		t.Fatalf("release hook ran after end")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTurnViewIsIdempotent(t *testing.T) {
	var v TurnView
	if !v.Apply(1, White, 0) {
		t.Fatalf("first apply ignored")
	}
	if !v.Apply(1, Black, 1) {
		t.Fatalf("newer apply ignored")
	}
	if v.Apply(1, Black, 1) {
		t.Fatalf("duplicate apply changed view")
	}
	if v.Apply(1, White, 0) {
		t.Fatalf("stale apply changed view")
	}
	if !v.IsMyTurn(Black) || v.Sequence() != 1 {
		t.Fatalf("view = %s/%d", v.Side(), v.Sequence())
	}
	if !v.Apply(2, White, 0) {
		t.Fatalf("new epoch ignored")
	}
	if v.Side() != White {
		t.Fatalf("view not reset by new epoch")
	}
}
