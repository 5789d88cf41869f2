// Package client is the remote participant: it joins a host, mirrors the
// canonical state and resumes its side after a dropped link.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/internal/joincode"
	"github.com/park285/duel/internal/obslog"
	"github.com/park285/duel/internal/reconnect"
	"github.com/park285/duel/internal/syncer"
	"github.com/park285/duel/internal/transport"
	"github.com/park285/duel/pkg/duelwire"
)

var (
	ErrSessionFull    = errf("session already has two participants")
	ErrResumeRejected = errf("host rejected the resume")
	ErrNotConnected   = errf("not connected")
	ErrNotJoined      = errf("not joined")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error { return staticErr(s) }

// Dialer opens a connection to the host at addr.
type Dialer func(ctx context.Context, addr string) (transport.Conn, error)

func wsDialer(ctx context.Context, addr string) (transport.Conn, error) {
	return transport.Dial(ctx, addr, nil)
}

type Options struct {
	Name      string
	Resolver  joincode.Resolver
	Dial      Dialer
	Clock     clockwork.Clock
	Logger    *zap.Logger
	Reconnect reconnect.Policy
	OnEvent   func(Event)
}

// Client holds one participant's link to one host.
type Client struct {
	opts    Options
	logger  *zap.Logger
	replica syncer.Replica
	recon   *reconnect.Manager

	mu      sync.Mutex
	conn    transport.Conn
	addr    string
	welcome duelwire.Welcome
	side    duel.Side
	leaving bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Client {
	if opts.Dial == nil {
		opts.Dial = wsDialer
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	c := &Client{opts: opts, logger: obslog.Or(opts.Logger)}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.recon = reconnect.NewManager(reconnect.Options{
		Policy: opts.Reconnect,
		Clock:  opts.Clock,
		Logger: c.logger,
		OnRecovered: func(rec reconnect.Record) {
			c.emit(Event{Kind: EventReconnected, Side: rec.Side})
		},
		OnExhausted: func(rec reconnect.Record) {
			c.emit(Event{Kind: EventLost, Side: rec.Side, Err: transport.ErrConnectionFailed})
		},
	})
	return c
}

// Join resolves code, connects and claims a side.
func (c *Client) Join(ctx context.Context, code string) (duelwire.Welcome, error) {
	addr, err := joincode.Resolve(ctx, code, c.opts.Resolver)
	if err != nil {
		return duelwire.Welcome{}, err
	}
	conn, err := c.opts.Dial(ctx, addr)
	if err != nil {
		return duelwire.Welcome{}, err
	}
	if err := send(ctx, conn, duelwire.TypeJoin, duelwire.Join{Name: strings.TrimSpace(c.opts.Name)}); err != nil {
		_ = conn.Close()
		return duelwire.Welcome{}, err
	}
	w, err := c.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return duelwire.Welcome{}, err
	}
	c.mu.Lock()
	c.addr = addr
	c.mu.Unlock()
	c.install(conn, w)
	c.logger.Info("client_joined", zap.String("session_id", w.SessionID), zap.String("side", w.Side))
	return w, nil
}

// handshake reads until the host accepts or refuses. Frames that arrive
// before the welcome are applied as usual.
func (c *Client) handshake(ctx context.Context, conn transport.Conn) (duelwire.Welcome, error) {
	for {
		env, err := conn.Recv(ctx)
		if err != nil {
			return duelwire.Welcome{}, err
		}
		switch env.Type {
		case duelwire.TypeWelcome:
			var w duelwire.Welcome
			if err := env.Decode(&w); err != nil {
				return duelwire.Welcome{}, err
			}
			return w, nil
		case duelwire.TypeError:
			var e duelwire.Error
			_ = env.Decode(&e)
			return duelwire.Welcome{}, hostError(e)
		default:
			c.dispatch(env)
		}
	}
}

func hostError(e duelwire.Error) error {
	switch e.Code {
	case duelwire.CodeSessionFull:
		return ErrSessionFull
	case duelwire.CodeResumeRejected:
		return ErrResumeRejected
	case duelwire.CodeInvalidJoinCode:
		return joincode.ErrInvalidJoinCode
	case duelwire.CodeConnectionTimeout:
		return transport.ErrConnectionTimeout
	}
	return fmt.Errorf("host error %s: %s", e.Code, e.Message)
}

func (c *Client) install(conn transport.Conn, w duelwire.Welcome) {
	side, _ := duel.ParseSide(w.Side)
	c.mu.Lock()
	c.conn = conn
	c.welcome = w
	c.side = side
	c.mu.Unlock()
	c.wg.Add(1)
	go c.readLoop(conn)
}

func (c *Client) readLoop(conn transport.Conn) {
	defer c.wg.Done()
	for {
		env, err := conn.Recv(c.ctx)
		if err != nil {
			c.linkLost(conn, err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env duelwire.Envelope) {
	switch env.Type {
	case duelwire.TypeStateSnapshot:
		var s duelwire.StateSnapshot
		if env.Decode(&s) == nil && c.replica.ApplySnapshot(s) {
			c.emit(Event{Kind: EventSnapshot, Snapshot: s})
		}
	case duelwire.TypeTurnChanged:
		var tc duelwire.TurnChanged
		if env.Decode(&tc) == nil && c.replica.ApplyTurn(tc) {
			c.emit(Event{Kind: EventTurn, Turn: tc})
		}
	case duelwire.TypeMoveRejected:
		var r duelwire.MoveRejected
		if env.Decode(&r) == nil {
			c.emit(Event{Kind: EventRejected, Rejected: r, Err: duel.ParseRejectCode(r.Reason)})
		}
	case duelwire.TypePromotionRequired:
		var p duelwire.PromotionRequired
		if env.Decode(&p) == nil {
			c.emit(Event{Kind: EventPromotion, Promotion: p})
		}
	case duelwire.TypeGameEnded:
		var g duelwire.GameEnded
		if env.Decode(&g) == nil {
			c.emit(Event{Kind: EventEnded, Ended: g})
		}
	case duelwire.TypePlayerStatus:
		var p duelwire.PlayerStatus
		if env.Decode(&p) == nil {
			c.emit(Event{Kind: EventPlayer, Player: p})
		}
	case duelwire.TypeError:
		var e duelwire.Error
		_ = env.Decode(&e)
		c.emit(Event{Kind: EventError, Err: hostError(e)})
	default:
		c.logger.Debug("client_unhandled", zap.String("type", string(env.Type)))
	}
}

// linkLost starts resuming unless the loss was asked for.
func (c *Client) linkLost(conn transport.Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	leaving := c.leaving
	w, side := c.welcome, c.side
	c.mu.Unlock()
	if !current || leaving || c.ctx.Err() != nil || c.replica.Over() {
		return
	}
	c.logger.Info("client_link_lost", zap.String("side", string(side)), zap.Error(cause))
	c.emit(Event{Kind: EventReconnecting, Side: side, Err: cause})
	rec := reconnect.Record{
		SessionID:    w.SessionID,
		Side:         side,
		ClientID:     w.ClientID,
		LastHalfMove: c.replica.HalfMoveIndex(),
	}
	if err := c.recon.Begin(c.ctx, rec, c.resumeAttempt); err != nil {
		c.emit(Event{Kind: EventLost, Side: side, Err: err})
	}
}

// resumeAttempt dials the host again and presents the resume token.
func (c *Client) resumeAttempt(ctx context.Context, n int) error {
	c.mu.Lock()
	addr, w, side := c.addr, c.welcome, c.side
	c.mu.Unlock()

	conn, err := c.opts.Dial(ctx, addr)
	if err != nil {
		return err
	}
	req := duelwire.ReconnectRequest{
		SessionID:              w.SessionID,
		Side:                   string(side),
		LastKnownHalfMoveIndex: c.replica.HalfMoveIndex(),
		ResumeToken:            w.ResumeToken,
	}
	if err := send(ctx, conn, duelwire.TypeReconnectRequest, req); err != nil {
		_ = conn.Close()
		return err
	}
	nw, err := c.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	c.logger.Info("client_resumed", zap.Int("attempt", n), zap.String("side", nw.Side))
	c.install(conn, nw)
	return nil
}

// Move submits from-to for this side with the next expected sequence.
func (c *Client) Move(ctx context.Context, from, to, promotion string) error {
	conn, side, err := c.current()
	if err != nil {
		return err
	}
	if c.replica.Over() {
		return duel.ErrGameOver
	}
	if !c.replica.IsMyTurn(side) {
		return duel.ErrWrongTurn
	}
	return send(ctx, conn, duelwire.TypeMoveRequest, duelwire.MoveRequest{
		Side:      string(side),
		From:      strings.ToLower(strings.TrimSpace(from)),
		To:        strings.ToLower(strings.TrimSpace(to)),
		Promotion: strings.ToLower(strings.TrimSpace(promotion)),
		Sequence:  c.replica.NextSequence(),
	})
}

// Promote answers a promotion_required prompt.
func (c *Client) Promote(ctx context.Context, piece string) error {
	conn, side, err := c.current()
	if err != nil {
		return err
	}
	return send(ctx, conn, duelwire.TypePromotionChoice, duelwire.PromotionChoice{Side: string(side), Piece: piece})
}

func (c *Client) Resign(ctx context.Context) error {
	conn, side, err := c.current()
	if err != nil {
		return err
	}
	return send(ctx, conn, duelwire.TypeResignRequest, duelwire.ResignRequest{Side: string(side)})
}

// Leave announces an intentional departure and closes the link. The host
// treats it as a forfeit when the game is still running.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	c.leaving = true
	conn := c.conn
	c.mu.Unlock()
	c.recon.Cancel(c.Side())
	if conn == nil {
		return nil
	}
	err := send(ctx, conn, duelwire.TypeLeave, nil)
	_ = conn.Close()
	return err
}

// Close tears the client down without notifying the host.
func (c *Client) Close() error {
	c.mu.Lock()
	c.leaving = true
	conn := c.conn
	c.mu.Unlock()
	c.cancel()
	c.recon.Close()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) Side() duel.Side {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.side
}

func (c *Client) Welcome() duelwire.Welcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

func (c *Client) Replica() *syncer.Replica { return &c.replica }

// Reconnecting reports whether a resume run is in progress.
func (c *Client) Reconnecting() bool { return c.recon.Active(c.Side()) }

func (c *Client) current() (transport.Conn, duel.Side, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.side == "" {
		return nil, "", ErrNotJoined
	}
	if c.conn == nil {
		return nil, "", ErrNotConnected
	}
	return c.conn, c.side, nil
}

func (c *Client) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

func send(ctx context.Context, conn transport.Conn, t duelwire.Type, payload any) error {
	env, err := duelwire.Encode(t, payload)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, env); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}
