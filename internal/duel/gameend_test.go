package duel

import (
	"errors"
	"testing"

	"github.com/park285/duel/internal/rules"
)

func TestEndDetectorFiresOnce(t *testing.T) {
	tm := NewTurnMachine(White, nil)
	fired := 0
	d := NewEndDetector(tm, nil, func(GameEndState) { fired++ })

	if d.FromEffects(White, rules.Effects{Check: true}) {
		t.Fatalf("check alone ended the game")
	}
	if !d.FromEffects(White, rules.Effects{Checkmate: true}) {
		t.Fatalf("checkmate did not end the game")
	}
	if d.Forfeit(White) {
		t.Fatalf("second trigger fired")
	}
	st := d.State()
	if st.Reason != ReasonCheckmate || st.WinnerSide() != "white" || fired != 1 {
		t.Fatalf("state = %+v fired=%d", st, fired)
	}
	if !tm.State().Over {
		t.Fatalf("turn machine not ended")
	}
}

func TestEndDetectorDraws(t *testing.T) {
	d := NewEndDetector(nil, nil, nil)
	d.FromEffects(Black, rules.Effects{Draw: true, DrawMethod: "insufficientmaterial"})
	st := d.State()
	if st.Reason != ReasonDraw || st.Winner != nil || st.Detail != "insufficientmaterial" {
		t.Fatalf("state = %+v", st)
	}
}

func TestEndDetectorForfeitAndTimeout(t *testing.T) {
	d := NewEndDetector(nil, nil, nil)
	d.Forfeit(Black)
	if st := d.State(); st.Reason != ReasonDisconnection || st.WinnerSide() != "white" {
		t.Fatalf("state = %+v", st)
	}
	d2 := NewEndDetector(nil, nil, nil)
	d2.TimedOut(White)
	if st := d2.State(); st.Reason != ReasonTimeout || st.WinnerSide() != "black" {
		t.Fatalf("state = %+v", st)
	}
}

func TestResignValidation(t *testing.T) {
	d := NewEndDetector(nil, nil, nil)
	if err := d.Resign(Black, White); !errors.Is(err, ErrResignMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := d.Resign(Black, Black); err != nil {
		t.Fatalf("resign: %v", err)
	}
	if err := d.Resign(White, White); !errors.Is(err, ErrGameOver) {
		t.Fatalf("second resign: %v", err)
	}
}

func TestRejectCodesRoundTrip(t *testing.T) {
	for _, e := range []error{ErrWrongTurn, ErrWrongOwner, ErrIllegalMove, ErrStaleSequence, ErrMoveInProgress, ErrGameOver} {
		code, ok := CodeOf(e)
		if !ok {
			t.Fatalf("no code for %v", e)
		}
		if back := ParseRejectCode(string(code)); !errors.Is(back, e) {
			t.Fatalf("round trip %s -> %v", code, back)
		}
	}
	wrapped := reject(CodeIllegalMove, rules.ErrIllegalMove)
	if !errors.Is(wrapped, ErrIllegalMove) || !errors.Is(wrapped, rules.ErrIllegalMove) {
		t.Fatalf("wrapped reject lost identity")
	}
}
