package duel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type recorder struct {
	mu        sync.Mutex
	snaps     []Snapshot
	turns     []TurnState
	prompts   []string
	ended     []GameEndState
	promptHit chan struct{}
}

func newRecorder() *recorder { return &recorder{promptHit: make(chan struct{}, 4)} }

func (r *recorder) SnapshotPublished(_ context.Context, s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) TurnChanged(_ context.Context, _ uint64, side Side, seq uint64) {
	r.mu.Lock()
	r.turns = append(r.turns, TurnState{Side: side, Sequence: seq})
	r.mu.Unlock()
}

func (r *recorder) PromotionRequired(_ context.Context, side Side, from, to string, _ uint64) {
	r.mu.Lock()
	r.prompts = append(r.prompts, string(side)+":"+from+to)
	r.mu.Unlock()
	r.promptHit <- struct{}{}
}

func (r *recorder) GameEnded(_ context.Context, st GameEndState) {
	r.mu.Lock()
	r.ended = append(r.ended, st)
	r.mu.Unlock()
}

func (r *recorder) counts() (snaps, turns, ended int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps), len(r.turns), len(r.ended)
}

func (r *recorder) lastTurn() TurnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.turns) == 0 {
		return TurnState{}
	}
	return r.turns[len(r.turns)-1]
}

func newTestMatch(t *testing.T, opts Options) (*Match, *recorder) {
	t.Helper()
	rec := newRecorder()
	opts.Observer = rec
	m, err := NewMatch(opts)
	if err != nil {
		t.Fatalf("new match: %v", err)
	}
	return m, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func play(t *testing.T, m *Match, side Side, from, to string) MoveRecord {
	t.Helper()
	rec, err := m.Submit(context.Background(), MoveRequest{
		Side:     side,
		From:     from,
		To:       to,
		Sequence: uint64(m.HalfMoveIndex()) + 1,
	})
	if err != nil {
		t.Fatalf("%s %s%s: %v", side, from, to, err)
	}
	return rec
}

func TestFirstMoveAppliesAndHandsTurnOver(t *testing.T) {
	m, obs := newTestMatch(t, Options{})
	before := m.Snapshot()

	rec, err := m.Submit(context.Background(), MoveRequest{Side: White, From: "e2", To: "e4", Sequence: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Sequence != 1 || rec.SAN != "e4" {
		t.Fatalf("record = %+v", rec)
	}
	snap := m.Snapshot()
	if snap.HalfMoveIndex != 1 || snap.TurnSide != Black || snap.Revision <= before.Revision {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.LastMove == nil || snap.LastMove.UCI != "e2e4" {
		t.Fatalf("last move = %+v", snap.LastMove)
	}
	if got := obs.lastTurn(); got.Side != Black || got.Sequence != 1 {
		t.Fatalf("turn changed = %+v", got)
	}
	if ts := m.Turn(); ts.Side != Black || ts.MoveInProgress {
		t.Fatalf("turn = %+v", ts)
	}
}

func TestWrongTurnLeavesStateUntouched(t *testing.T) {
	m, obs := newTestMatch(t, Options{})
	play(t, m, White, "e2", "e4")
	before := m.Snapshot()
	snaps, turns, _ := obs.counts()

	_, err := m.Submit(context.Background(), MoveRequest{Side: White, From: "d2", To: "d4", Sequence: 2})
	if !errors.Is(err, ErrWrongTurn) {
		t.Fatalf("expected wrong turn, got %v", err)
	}
	after := m.Snapshot()
	if after.Revision != before.Revision || after.FEN != before.FEN {
		t.Fatalf("state changed after rejection")
	}
	if s, tc, _ := obs.counts(); s != snaps || tc != turns {
		t.Fatalf("rejection was broadcast")
	}
	if ts := m.Turn(); ts.Side != Black || ts.MoveInProgress {
		t.Fatalf("turn = %+v", ts)
	}
}

func TestRejectionsReturnToWaiting(t *testing.T) {
	m, _ := newTestMatch(t, Options{})
	cases := []struct {
		name string
		req  MoveRequest
		want error
	}{
		{"opponent piece", MoveRequest{Side: White, From: "e7", To: "e5", Sequence: 1}, ErrWrongOwner},
		{"empty square", MoveRequest{Side: White, From: "e4", To: "e5", Sequence: 1}, ErrWrongOwner},
		{"stale", MoveRequest{Side: White, From: "e2", To: "e4", Sequence: 0}, ErrStaleSequence},
		{"ahead", MoveRequest{Side: White, From: "e2", To: "e4", Sequence: 3}, ErrStaleSequence},
		{"illegal", MoveRequest{Side: White, From: "e2", To: "e5", Sequence: 1}, ErrIllegalMove},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Submit(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if !m.Turn().Side.Valid() || m.Turn().MoveInProgress {
				t.Fatalf("turn left in progress")
			}
			if m.HalfMoveIndex() != 0 {
				t.Fatalf("history advanced")
			}
		})
	}
	play(t, m, White, "e2", "e4")
}

func TestSequencesAreContiguousAndSidesAlternate(t *testing.T) {
	m, _ := newTestMatch(t, Options{})
	moves := [][2]string{{"e2", "e4"}, {"e7", "e5"}, {"g1", "f3"}, {"b8", "c6"}, {"f1", "b5"}}
	side := White
	for _, mv := range moves {
		play(t, m, side, mv[0], mv[1])
		side = side.Other()
	}
	for i, rec := range m.History() {
		if rec.Sequence != uint64(i+1) {
			t.Fatalf("record %d has sequence %d", i, rec.Sequence)
		}
		want := White
		if i%2 == 1 {
			want = Black
		}
		if rec.Side != want {
			t.Fatalf("record %d side %s", i, rec.Side)
		}
	}
}

func TestCheckmateEndsGameAndBlocksFurtherMoves(t *testing.T) {
	m, obs := newTestMatch(t, Options{})
	play(t, m, White, "f2", "f3")
	play(t, m, Black, "e7", "e5")
	play(t, m, White, "g2", "g4")
	play(t, m, Black, "d8", "h4")

	st := m.EndState()
	if !st.Over || st.Reason != ReasonCheckmate || st.Winner == nil || *st.Winner != Black {
		t.Fatalf("end state = %+v", st)
	}
	if _, _, ended := obs.counts(); ended != 1 {
		t.Fatalf("game ended broadcast %d times", ended)
	}
	snap := m.Snapshot()
	if snap.End == nil || snap.End.Reason != ReasonCheckmate {
		t.Fatalf("snapshot end = %+v", snap.End)
	}
	_, err := m.Submit(context.Background(), MoveRequest{Side: White, From: "a2", To: "a3", Sequence: 5})
	if !errors.Is(err, ErrGameOver) {
		t.Fatalf("expected game over, got %v", err)
	}
	if err := m.Resign(White, White); !errors.Is(err, ErrGameOver) {
		t.Fatalf("resign after end: %v", err)
	}
	if got := m.EndState(); got.Reason != ReasonCheckmate {
		t.Fatalf("end state changed to %+v", got)
	}
}

func TestResign(t *testing.T) {
	m, _ := newTestMatch(t, Options{})
	if err := m.Resign(White, Black); !errors.Is(err, ErrResignMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if m.EndState().Over {
		t.Fatalf("mismatched resign ended the game")
	}
	if err := m.Resign(White, White); err != nil {
		t.Fatalf("resign: %v", err)
	}
	st := m.EndState()
	if st.Reason != ReasonResignation || st.WinnerSide() != "black" {
		t.Fatalf("end state = %+v", st)
	}
	if !m.Turn().Over {
		t.Fatalf("turn machine not terminal")
	}
}

const promotionFEN = "8/4P3/8/8/8/8/k7/7K w - - 0 1"

func TestPromotionSuspendsUntilChoice(t *testing.T) {
	m, obs := newTestMatch(t, Options{StartFEN: promotionFEN})

	type result struct {
		rec MoveRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := m.Submit(context.Background(), MoveRequest{Side: White, From: "e7", To: "e8", Sequence: 1})
		done <- result{rec, err}
	}()
	<-obs.promptHit

	if _, err := m.Submit(context.Background(), MoveRequest{Side: Black, From: "a2", To: "a3", Sequence: 1}); !errors.Is(err, ErrWrongTurn) {
		t.Fatalf("expected wrong turn for the waiting side, got %v", err)
	}
	if _, err := m.Submit(context.Background(), MoveRequest{Side: White, From: "h1", To: "g1", Sequence: 1}); !errors.Is(err, ErrMoveInProgress) {
		t.Fatalf("expected move in progress, got %v", err)
	}
	if err := m.ChoosePromotion(Black, "q"); !errors.Is(err, ErrNoPendingPromotion) {
		t.Fatalf("wrong side choice: %v", err)
	}
	if err := m.ChoosePromotion(White, "n"); err != nil {
		t.Fatalf("choose: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("submit: %v", res.err)
	}
	if res.rec.Promotion != "n" || res.rec.UCI != "e7e8n" {
		t.Fatalf("record = %+v", res.rec)
	}
	if m.Turn().Side != Black {
		t.Fatalf("turn = %+v", m.Turn())
	}
}

func TestPromotionWithPieceDoesNotSuspend(t *testing.T) {
	m, obs := newTestMatch(t, Options{StartFEN: promotionFEN})
	rec, err := m.Submit(context.Background(), MoveRequest{Side: White, From: "e7", To: "e8", Promotion: "queen", Sequence: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Promotion != "q" {
		t.Fatalf("record = %+v", rec)
	}
	if len(obs.prompts) != 0 {
		t.Fatalf("unexpected prompt")
	}
}

func TestPromotionCancelledDiscardsMove(t *testing.T) {
	m, obs := newTestMatch(t, Options{StartFEN: promotionFEN})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(ctx, MoveRequest{Side: White, From: "e7", To: "e8", Sequence: 1})
		done <- err
	}()
	<-obs.promptHit
	cancel()
	if err := <-done; !errors.Is(err, ErrPromotionCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if m.HalfMoveIndex() != 0 {
		t.Fatalf("cancelled move applied")
	}
	ts := m.Turn()
	if ts.Side != White || ts.MoveInProgress {
		t.Fatalf("turn = %+v", ts)
	}
	if _, _, _, _, ok := m.PendingPromotion(); ok {
		t.Fatalf("promotion still pending")
	}
}

func TestResetCancelsPromotionAndStartsNewEpoch(t *testing.T) {
	m, obs := newTestMatch(t, Options{StartFEN: promotionFEN})
	initial := m.Snapshot()
	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), MoveRequest{Side: White, From: "e7", To: "e8", Sequence: 1})
		done <- err
	}()
	<-obs.promptHit
	if err := m.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrPromotionCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	snap := m.Snapshot()
	if snap.Epoch != initial.Epoch+1 || snap.HalfMoveIndex != 0 || snap.FEN != initial.FEN {
		t.Fatalf("snapshot = %+v", snap)
	}
	play(t, m, White, "h1", "g1")
}

func TestTransitionLockBlocksUntilReleased(t *testing.T) {
	fc := clockwork.NewFakeClock()
	m, obs := newTestMatch(t, Options{Clock: fc, TransitionLock: 50 * time.Millisecond})
	play(t, m, White, "e2", "e4")

	_, err := m.Submit(context.Background(), MoveRequest{Side: Black, From: "e7", To: "e5", Sequence: 2})
	if !errors.Is(err, ErrMoveInProgress) {
		t.Fatalf("expected move in progress while locked, got %v", err)
	}
	_, err = m.Submit(context.Background(), MoveRequest{Side: White, From: "d2", To: "d4", Sequence: 2})
	if !errors.Is(err, ErrWrongTurn) {
		t.Fatalf("expected wrong turn for the last mover while locked, got %v", err)
	}
	snaps, _, _ := obs.counts()
	fc.Advance(50 * time.Millisecond)
	waitFor(t, "lock release", func() bool { return !m.Turn().TransitionLocked })
	waitFor(t, "re-broadcast", func() bool { s, _, _ := obs.counts(); return s > snaps })
	play(t, m, Black, "e7", "e5")
}

func TestTurnTimeoutEndsGame(t *testing.T) {
	fc := clockwork.NewFakeClock()
	m, _ := newTestMatch(t, Options{Clock: fc, TurnTimeout: 10 * time.Second})
	m.Start()
	play(t, m, White, "e2", "e4")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("turn timer not armed: %v", err)
	}
	fc.Advance(10 * time.Second)
	waitFor(t, "timeout", func() bool { return m.EndState().Over })
	st := m.EndState()
	if st.Reason != ReasonTimeout || st.WinnerSide() != "white" {
		t.Fatalf("end state = %+v", st)
	}
}

// resetOnFirstMove restarts the match from inside the first move's snapshot
// callback, the window between the applied move and the turn change.
type resetOnFirstMove struct {
	*recorder
	m    *Match
	once sync.Once
}

func (o *resetOnFirstMove) SnapshotPublished(ctx context.Context, s Snapshot) {
	o.recorder.SnapshotPublished(ctx, s)
	if s.Epoch == 1 && s.Sequence == 1 {
		o.once.Do(func() { _ = o.m.Reset(ctx) })
	}
}

func TestResetDuringMoveLeavesNewEpochPlayable(t *testing.T) {
	obs := &resetOnFirstMove{recorder: newRecorder()}
	m, err := NewMatch(Options{Observer: obs})
	if err != nil {
		t.Fatalf("new match: %v", err)
	}
	obs.m = m

	play(t, m, White, "e2", "e4")

	snap := m.Snapshot()
	if snap.Epoch != 2 || snap.HalfMoveIndex != 0 || snap.TurnSide != White {
		t.Fatalf("snapshot after reset = %+v", snap)
	}
	if ts := m.Turn(); ts.Side != White || ts.Sequence != 0 || ts.MoveInProgress {
		t.Fatalf("turn after reset = %+v", ts)
	}
	if lt := obs.lastTurn(); lt.Side != White || lt.Sequence != 0 {
		t.Fatalf("stale turn change announced: %+v", lt)
	}
	play(t, m, White, "e2", "e4")
	play(t, m, Black, "e7", "e5")
}
