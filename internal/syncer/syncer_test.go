package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/pkg/duelwire"
)

type fakeSender struct {
	mu      sync.Mutex
	ids     []string
	failing map[string]bool
	got     map[string][]duelwire.StateSnapshot
}

func newFakeSender(ids ...string) *fakeSender {
	return &fakeSender{ids: ids, failing: map[string]bool{}, got: map[string][]duelwire.StateSnapshot{}}
}

func (f *fakeSender) Recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func (f *fakeSender) Send(_ context.Context, id string, env duelwire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[id] {
		return errors.New("link down")
	}
	var s duelwire.StateSnapshot
	if err := env.Decode(&s); err != nil {
		return err
	}
	f.got[id] = append(f.got[id], s)
	return nil
}

func (f *fakeSender) setFailing(id string, v bool) {
	f.mu.Lock()
	f.failing[id] = v
	f.mu.Unlock()
}

func (f *fakeSender) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got[id])
}

func (f *fakeSender) last(id string) duelwire.StateSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.got[id]
	return g[len(g)-1]
}

func snapAt(rev uint64, half int, side duel.Side) duel.Snapshot {
	return duel.Snapshot{Epoch: 1, Revision: rev, FEN: "fen", HalfMoveIndex: half, TurnSide: side, Sequence: uint64(half)}
}

func TestPushSendsToEveryRecipientAndDropsStale(t *testing.T) {
	out := newFakeSender("a", "b")
	p := NewPusher(out, Options{Clock: clockwork.NewFakeClock()})
	ctx := context.Background()

	p.Push(ctx, snapAt(2, 1, duel.Black))
	p.Push(ctx, snapAt(1, 0, duel.White))
	if out.count("a") != 1 || out.count("b") != 1 {
		t.Fatalf("sends a=%d b=%d", out.count("a"), out.count("b"))
	}
	if cur, _ := p.Current(); cur.Revision != 2 {
		t.Fatalf("current revision = %d", cur.Revision)
	}
}

func TestHeartbeatResendsAfterFailedPush(t *testing.T) {
	fc := clockwork.NewFakeClock()
	out := newFakeSender("a", "b")
	p := NewPusher(out, Options{Clock: fc, Heartbeat: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}

	out.setFailing("b", true)
	p.Push(ctx, snapAt(2, 1, duel.Black))
	if out.count("b") != 0 {
		t.Fatalf("failed push recorded")
	}

	out.setFailing("b", false)
	fc.Advance(100 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for out.count("b") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if out.count("b") != 1 || out.last("b").Revision != 2 {
		t.Fatalf("heartbeat did not converge b")
	}
	if out.count("a") != 1 {
		t.Fatalf("up-to-date recipient resent: %d", out.count("a"))
	}
}

func TestResyncForcesSend(t *testing.T) {
	out := newFakeSender("a")
	p := NewPusher(out, Options{Clock: clockwork.NewFakeClock()})
	ctx := context.Background()
	if err := p.Resync(ctx, "a"); err != nil {
		t.Fatalf("resync before any push: %v", err)
	}
	p.Push(ctx, snapAt(2, 1, duel.Black))
	if err := p.Resync(ctx, "a"); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if out.count("a") != 2 {
		t.Fatalf("sends = %d", out.count("a"))
	}
}

func TestReplicaIgnoresStaleAndDuplicateSnapshots(t *testing.T) {
	var r Replica
	s1 := ToWire(snapAt(2, 1, duel.Black))
	s0 := ToWire(snapAt(1, 0, duel.White))

	if !r.ApplySnapshot(s1) {
		t.Fatalf("first snapshot ignored")
	}
	if r.ApplySnapshot(s1) {
		t.Fatalf("duplicate applied")
	}
	if r.ApplySnapshot(s0) {
		t.Fatalf("stale applied")
	}
	got, _ := r.Snapshot()
	if got.Revision != 2 || r.HalfMoveIndex() != 1 || r.NextSequence() != 2 {
		t.Fatalf("replica = %+v", got)
	}
	if !r.IsMyTurn(duel.Black) || r.IsMyTurn(duel.White) {
		t.Fatalf("turn view wrong")
	}
	if r.ApplyTurn(duelwire.TurnChanged{Epoch: 1, NewSide: "black", Sequence: 1}) {
		t.Fatalf("duplicate turn change applied")
	}
}

func TestReplicaEndBlocksTurn(t *testing.T) {
	var r Replica
	winner := duel.Black
	s := snapAt(3, 4, duel.White)
	s.End = &duel.GameEndState{Over: true, Winner: &winner, Reason: duel.ReasonCheckmate}
	r.ApplySnapshot(ToWire(s))
	if !r.Over() || r.IsMyTurn(duel.White) {
		t.Fatalf("ended replica still allows moves")
	}
	got, _ := r.Snapshot()
	if got.End.WinningSide != "black" || got.End.Reason != "checkmate" {
		t.Fatalf("end = %+v", got.End)
	}
}
