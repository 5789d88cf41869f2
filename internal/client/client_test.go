package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/internal/host"
	"github.com/park285/duel/internal/joincode"
	"github.com/park285/duel/internal/session"
	"github.com/park285/duel/internal/transport"
)

type sink chan Event

func (s sink) push(ev Event) {
	select {
	case s <- ev:
	default:
	}
}

func (s sink) wait(t *testing.T, kind EventKind, cond func(Event) bool) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s:
			if ev.Kind == kind && (cond == nil || cond(ev)) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

type harness struct {
	host  *host.Host
	store *session.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := session.NewMemoryStore()
	h, err := host.New(context.Background(), host.Options{
		Store:       store,
		HostAddress: "127.0.0.1",
		HostPort:    7420,
		HostSide:    duel.White,
	})
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return &harness{host: h, store: store}
}

func (hs *harness) dialer() Dialer {
	return func(ctx context.Context, _ string) (transport.Conn, error) {
		return transport.Loopback(ctx, hs.host.Hub()), nil
	}
}

func (hs *harness) client(t *testing.T, name string, clock clockwork.Clock) (*Client, sink) {
	t.Helper()
	events := make(sink, 256)
	c := New(Options{
		Name:     name,
		Resolver: joincode.NewDirectoryResolver(hs.store),
		Dial:     hs.dialer(),
		Clock:    clock,
		OnEvent:  events.push,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c, events
}

func TestJoinAndPlay(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	white, wev := hs.client(t, "alice", nil)
	black, bev := hs.client(t, "bob", nil)

	w, err := white.Join(ctx, hs.host.JoinCode())
	if err != nil || w.Side != "white" {
		t.Fatalf("white join: %+v %v", w, err)
	}
	if _, err := black.Join(ctx, "127.0.0.1:7420"); err != nil {
		t.Fatalf("black join: %v", err)
	}
	bev.wait(t, EventSnapshot, nil)

	if err := black.Move(ctx, "e7", "e5", ""); !errors.Is(err, duel.ErrWrongTurn) {
		t.Fatalf("local precheck: %v", err)
	}
	if err := white.Move(ctx, "e2", "e4", ""); err != nil {
		t.Fatalf("white move: %v", err)
	}
	bev.wait(t, EventTurn, func(ev Event) bool { return ev.Turn.Sequence == 1 && ev.Turn.NewSide == "black" })
	if !black.Replica().IsMyTurn(duel.Black) || black.Replica().NextSequence() != 2 {
		t.Fatalf("black replica not advanced")
	}
	if err := black.Move(ctx, "e7", "e5", ""); err != nil {
		t.Fatalf("black move: %v", err)
	}
	wev.wait(t, EventSnapshot, func(ev Event) bool { return ev.Snapshot.HalfMoveIndex == 2 })
}

func TestJoinRefusals(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	a, _ := hs.client(t, "a", nil)
	b, _ := hs.client(t, "b", nil)
	c, _ := hs.client(t, "c", nil)

	if _, err := a.Join(ctx, "not a code"); !errors.Is(err, joincode.ErrInvalidJoinCode) {
		t.Fatalf("bad code: %v", err)
	}
	if _, err := a.Join(ctx, "CH-ZZZZZZ"); !errors.Is(err, joincode.ErrInvalidJoinCode) {
		t.Fatalf("unknown code: %v", err)
	}
	if _, err := a.Join(ctx, hs.host.JoinCode()); err != nil {
		t.Fatalf("a: %v", err)
	}
	if _, err := b.Join(ctx, hs.host.JoinCode()); err != nil {
		t.Fatalf("b: %v", err)
	}
	if _, err := c.Join(ctx, hs.host.JoinCode()); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("third: %v", err)
	}
}

// A dropped link is restored with the resume token on the first attempt.
func TestResumeAfterDrop(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	white, _ := hs.client(t, "alice", nil)
	black, bev := hs.client(t, "bob", fc)
	if _, err := white.Join(ctx, hs.host.JoinCode()); err != nil {
		t.Fatalf("white: %v", err)
	}
	bw, err := black.Join(ctx, hs.host.JoinCode())
	if err != nil {
		t.Fatalf("black: %v", err)
	}
	if err := white.Move(ctx, "d2", "d4", ""); err != nil {
		t.Fatalf("move: %v", err)
	}
	bev.wait(t, EventTurn, func(ev Event) bool { return ev.Turn.Sequence == 1 })

	hs.host.Hub().Drop(bw.ClientID, "test drop")
	bev.wait(t, EventReconnecting, nil)
	deadline := time.Now().Add(2 * time.Second)
	for !hs.host.Reconnects().Active(duel.Black) {
		if time.Now().After(deadline) {
			t.Fatalf("host did not register the drop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(bctx, 1); err != nil {
		t.Fatalf("client backoff not armed: %v", err)
	}
	fc.Advance(2 * time.Second)
	bev.wait(t, EventReconnected, nil)

	nw := black.Welcome()
	if !nw.Resumed || nw.ClientID == bw.ClientID || nw.Side != "black" {
		t.Fatalf("resumed welcome: %+v", nw)
	}
	if err := black.Move(ctx, "d7", "d5", ""); err != nil {
		t.Fatalf("move after resume: %v", err)
	}
	waitHalfMoves(t, hs.host, 2)
}

func TestLeaveForfeits(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	white, wev := hs.client(t, "alice", nil)
	black, _ := hs.client(t, "bob", nil)
	if _, err := white.Join(ctx, hs.host.JoinCode()); err != nil {
		t.Fatalf("white: %v", err)
	}
	if _, err := black.Join(ctx, hs.host.JoinCode()); err != nil {
		t.Fatalf("black: %v", err)
	}
	if err := black.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	ev := wev.wait(t, EventEnded, nil)
	if ev.Ended.Reason != "disconnection" || ev.Ended.WinningSide != "white" {
		t.Fatalf("ended: %+v", ev.Ended)
	}
	if black.Reconnecting() {
		t.Fatalf("leave must not start a resume run")
	}
}

func waitHalfMoves(t *testing.T, h *host.Host, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Match().HalfMoveIndex() < n {
		if time.Now().After(deadline) {
			t.Fatalf("host stuck at %d half moves", h.Match().HalfMoveIndex())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
