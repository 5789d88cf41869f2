package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/park285/duel/pkg/duelwire"
)

const loopInbox = 256

// LoopConn is an in-process connection to a Hub. The host uses it for its own
// player; tests use it in place of sockets.
type LoopConn struct {
	hub   *Hub
	peer  *loopPeer
	inbox chan duelwire.Envelope
	done  chan struct{}
	once  sync.Once

	// ctx lives as long as the connection, like a websocket read loop's
	ctx    context.Context
	cancel context.CancelFunc
}

// Loopback attaches a new in-process peer to h. Only the values of ctx are
// kept; the connection lasts until Close.
func Loopback(ctx context.Context, h *Hub) *LoopConn {
	c := &LoopConn{
		hub:   h,
		inbox: make(chan duelwire.Envelope, loopInbox),
		done:  make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.peer = &loopPeer{id: uuid.NewString(), conn: c}
	h.Attach(c.ctx, c.peer)
	return c
}

// ClientID is the id the hub knows this connection by.
func (c *LoopConn) ClientID() string { return c.peer.id }

// Send hands env to the hub under the connection's context, as the websocket
// read loop does.
func (c *LoopConn) Send(_ context.Context, env duelwire.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.hub.Deliver(c.ctx, c.peer, env)
	return nil
}

// Recv drains frames queued before a close ahead of reporting it.
func (c *LoopConn) Recv(ctx context.Context) (duelwire.Envelope, error) {
	select {
	case env := <-c.inbox:
		return env, nil
	default:
	}
	select {
	case env := <-c.inbox:
		return env, nil
	case <-c.done:
		return duelwire.Envelope{}, ErrClosed
	case <-ctx.Done():
		return duelwire.Envelope{}, ctx.Err()
	}
}

// Close detaches the connection as if the link dropped.
func (c *LoopConn) Close() error {
	c.shut(context.Background(), ErrClosed)
	return nil
}

func (c *LoopConn) shut(ctx context.Context, cause error) {
	c.once.Do(func() {
		close(c.done)
		c.hub.Detach(ctx, c.peer, cause)
		c.cancel()
	})
}

type loopPeer struct {
	id   string
	conn *LoopConn
}

func (p *loopPeer) ID() string { return p.id }

func (p *loopPeer) Send(ctx context.Context, env duelwire.Envelope) error {
	select {
	case <-p.conn.done:
		return ErrClosed
	default:
	}
	select {
	case p.conn.inbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBackpressure
	}
}

func (p *loopPeer) Close(string) error {
	go p.conn.shut(context.Background(), ErrClosed)
	return nil
}
