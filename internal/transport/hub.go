package transport

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/duel/internal/obslog"
	"github.com/park285/duel/pkg/duelwire"
)

const (
	defaultWriteTimeout = 5 * time.Second
	readLimit           = 64 << 10
)

type HubOptions struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	Logger       *zap.Logger
}

// Hub tracks connected peers by client id and routes their traffic to a
// Handler.
type Hub struct {
	mu      sync.RWMutex
	peers   map[string]Peer
	handler Handler
	opts    HubOptions
	logger  *zap.Logger
}

func NewHub(handler Handler, opts HubOptions) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	return &Hub{
		peers:   map[string]Peer{},
		handler: handler,
		opts:    opts,
		logger:  obslog.Or(opts.Logger),
	}
}

// Attach registers p and announces it to the handler.
func (h *Hub) Attach(ctx context.Context, p Peer) {
	h.mu.Lock()
	h.peers[p.ID()] = p
	h.mu.Unlock()
	h.logger.Debug("hub_attach", zap.String("client_id", p.ID()))
	h.handler.Connected(ctx, p)
}

// Deliver hands one inbound envelope from p to the handler.
func (h *Hub) Deliver(ctx context.Context, p Peer, env duelwire.Envelope) {
	h.handler.Message(ctx, p, env)
}

// Detach forgets p. Only the first detach of a peer reaches the handler.
func (h *Hub) Detach(ctx context.Context, p Peer, cause error) {
	h.mu.Lock()
	cur, ok := h.peers[p.ID()]
	if ok && cur == p {
		delete(h.peers, p.ID())
	}
	h.mu.Unlock()
	if !ok || cur != p {
		return
	}
	h.logger.Debug("hub_detach", zap.String("client_id", p.ID()), zap.Error(cause))
	h.handler.Disconnected(ctx, p, cause)
}

// Send writes env to one peer, bounded by the write timeout.
func (h *Hub) Send(ctx context.Context, clientID string, env duelwire.Envelope) error {
	h.mu.RLock()
	p, ok := h.peers[clientID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return p.Send(ctx, env)
}

// Broadcast writes env to every peer. Failures are logged and left to the
// heartbeat to repair.
func (h *Hub) Broadcast(ctx context.Context, env duelwire.Envelope) {
	for _, id := range h.Recipients() {
		if err := h.Send(ctx, id, env); err != nil {
			h.logger.Debug("hub_broadcast_failed", zap.String("client_id", id), zap.String("type", string(env.Type)), zap.Error(err))
		}
	}
}

// Recipients lists connected client ids in a stable order.
func (h *Hub) Recipients() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Drop closes the connection of clientID.
func (h *Hub) Drop(clientID, reason string) {
	h.mu.RLock()
	p, ok := h.peers[clientID]
	h.mu.RUnlock()
	if ok {
		_ = p.Close(reason)
	}
}

// Close closes every peer.
func (h *Hub) Close() {
	h.mu.RLock()
	peers := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()
	for _, p := range peers {
		_ = p.Close("shutdown")
	}
}

// ServeHTTP upgrades the request to a websocket and runs its read loop until
// the connection ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		h.logger.Warn("ws_accept_failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	p := &wsPeer{id: uuid.NewString(), conn: conn}
	h.Attach(ctx, p)

	go pingLoop(ctx, conn, h.opts.PingInterval, func() { _ = p.Close("ping failure") })

	var cause error
	for {
		var env duelwire.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			cause = err
			break
		}
		h.Deliver(ctx, p, env)
	}
	_ = p.Close("read loop ended")
	h.Detach(context.WithoutCancel(ctx), p, cause)
}

// wsPeer is the server side of one websocket.
type wsPeer struct {
	id     string
	conn   *websocket.Conn
	closed sync.Once
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(ctx context.Context, env duelwire.Envelope) error {
	return wsjson.Write(ctx, p.conn, env)
}

func (p *wsPeer) Close(reason string) error {
	var err error
	p.closed.Do(func() { err = p.conn.Close(websocket.StatusNormalClosure, reason) })
	return err
}

// pingLoop closes the connection after two consecutive failed pings.
func pingLoop(ctx context.Context, conn *websocket.Conn, every time.Duration, onDead func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				onDead()
				return
			}
		}
	}
}
