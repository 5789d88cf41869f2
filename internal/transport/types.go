// Package transport carries duelwire envelopes between the host and its
// participants, over websockets or in-process loopback pairs.
package transport

import (
	"context"

	"github.com/park285/duel/pkg/duelwire"
)

// Peer is the host's handle on one connected participant.
type Peer interface {
	ID() string
	Send(ctx context.Context, env duelwire.Envelope) error
	Close(reason string) error
}

// Handler receives connection events from a Hub. Message is called from the
// peer's read loop; a handler that blocks stalls that peer only.
type Handler interface {
	Connected(ctx context.Context, p Peer)
	Message(ctx context.Context, p Peer, env duelwire.Envelope)
	Disconnected(ctx context.Context, p Peer, err error)
}

// Conn is a participant's end of a connection to the host.
type Conn interface {
	Send(ctx context.Context, env duelwire.Envelope) error
	Recv(ctx context.Context) (duelwire.Envelope, error)
	Close() error
}

// State is the lifecycle of a client connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

var (
	ErrConnectionFailed  = errf("connection failed")
	ErrConnectionTimeout = errf("connection timed out")
	ErrClosed            = errf("connection closed")
	ErrUnknownPeer       = errf("unknown peer")
	ErrBackpressure      = errf("peer inbox full")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error { return staticErr(s) }
