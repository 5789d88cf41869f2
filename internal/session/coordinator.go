// Package session binds connections to sides. It is the only place that
// knows which client id plays which side.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/internal/obslog"
)

type Options struct {
	HostAddress string
	HostPort    int
	HostSide    duel.Side
	Clock       clockwork.Clock
	Logger      *zap.Logger
}

// Coordinator owns one session record. The first participant to connect is
// the host and takes HostSide; the first joiner takes the other side.
type Coordinator struct {
	mu       sync.RWMutex
	store    Store
	clock    clockwork.Clock
	logger   *zap.Logger
	id       string
	code     string
	hostSide duel.Side
	bindings map[string]duel.Side
	intent   map[string]bool
}

// NewCoordinator creates the session record and claims a join code for it.
func NewCoordinator(ctx context.Context, store Store, opts Options) (*Coordinator, error) {
	if store == nil {
		return nil, ErrInvalidArgs
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if !opts.HostSide.Valid() {
		opts.HostSide = duel.White
	}
	c := &Coordinator{
		store:    store,
		clock:    opts.Clock,
		logger:   obslog.Or(opts.Logger),
		id:       uuid.NewString(),
		hostSide: opts.HostSide,
		bindings: map[string]duel.Side{},
		intent:   map[string]bool{},
	}
	listing := Listing{SessionID: c.id, Address: opts.HostAddress, Port: opts.HostPort}
	for i := 0; i < 5 && c.code == ""; i++ {
		code, err := codeGen()
		if err != nil {
			return nil, err
		}
		ok, err := store.ClaimCode(ctx, code, listing)
		if err != nil {
			return nil, err
		}
		if ok {
			c.code = code
		}
	}
	if c.code == "" {
		return nil, ErrCodeExhausted
	}
	sess := &Session{
		ID:          c.id,
		HostAddress: opts.HostAddress,
		HostPort:    opts.HostPort,
		JoinCode:    c.code,
		CreatedAt:   c.clock.Now(),
		Status:      StatusOpen,
	}
	if err := store.Create(ctx, sess); err != nil {
		_ = store.ReleaseCode(ctx, c.code)
		return nil, err
	}
	c.logger.Info("session_open", zap.String("session_id", c.id), zap.String("code", c.code))
	return c, nil
}

func (c *Coordinator) ID() string       { return c.id }
func (c *Coordinator) JoinCode() string { return c.code }

// HostSide is side A.
func (c *Coordinator) HostSide() duel.Side { return c.hostSide }

// Session returns the current record.
func (c *Coordinator) Session(ctx context.Context) (*Session, error) {
	s, err := c.store.Load(ctx, c.id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionGone
	}
	return s, nil
}

// OnConnected binds a fresh client to the next free side.
func (c *Coordinator) OnConnected(ctx context.Context, clientID, name string) (*Player, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, ErrInvalidArgs
	}
	var bound Player
	_, err := c.store.Update(ctx, c.id, func(s *Session) error {
		if s.Status == StatusClosed {
			return ErrSessionClosed
		}
		if p := s.byClient(clientID); p != nil {
			bound = *p
			return nil
		}
		if len(s.Players) >= 2 {
			return ErrSessionFull
		}
		side := c.hostSide
		if len(s.Players) == 1 {
			side = s.Players[0].Side.Other()
		}
		bound = Player{
			ClientID:    clientID,
			Side:        side,
			Name:        strings.TrimSpace(name),
			Connected:   true,
			JoinedAt:    c.clock.Now(),
			ResumeToken: uuid.NewString(),
		}
		s.Players = append(s.Players, bound)
		if len(s.Players) == 2 {
			s.Status = StatusFull
		}
		return nil
	})
	if err != nil {
		c.logger.Info("session_join_refused", zap.String("session_id", c.id), zap.String("client_id", clientID), zap.Error(err))
		return nil, err
	}
	c.bind(clientID, bound.Side)
	c.logger.Info("session_join",
		zap.String("session_id", c.id),
		zap.String("client_id", clientID),
		zap.String("side", string(bound.Side)),
	)
	return &bound, nil
}

// OnDisconnected marks the player inactive. The record and its side are kept
// so the player can resume.
func (c *Coordinator) OnDisconnected(ctx context.Context, clientID string) (*Player, error) {
	intentional := c.IsIntentionalDisconnect(clientID)
	var out Player
	_, err := c.store.Update(ctx, c.id, func(s *Session) error {
		p := s.byClient(clientID)
		if p == nil {
			return ErrUnknownClient
		}
		p.Connected = false
		p.LastDisconnect = c.clock.Now()
		p.Intentional = intentional
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("session_disconnect",
		zap.String("session_id", c.id),
		zap.String("client_id", clientID),
		zap.String("side", string(out.Side)),
		zap.Bool("intentional", intentional),
	)
	return &out, nil
}

// GetSide returns the side bound to clientID.
func (c *Coordinator) GetSide(clientID string) (duel.Side, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	side, ok := c.bindings[clientID]
	return side, ok
}

// MarkIntentional records that clientID announced its departure.
func (c *Coordinator) MarkIntentional(clientID string) {
	c.mu.Lock()
	c.intent[clientID] = true
	c.mu.Unlock()
}

func (c *Coordinator) IsIntentionalDisconnect(clientID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.intent[clientID]
}

// Resume re-binds a disconnected player to newClientID when token matches.
func (c *Coordinator) Resume(ctx context.Context, newClientID string, side duel.Side, token string) (*Player, error) {
	if strings.TrimSpace(newClientID) == "" || !side.Valid() {
		return nil, ErrInvalidArgs
	}
	var out Player
	var oldClient string
	_, err := c.store.Update(ctx, c.id, func(s *Session) error {
		if s.Status == StatusClosed {
			return ErrSessionClosed
		}
		p := s.bySide(side)
		if p == nil {
			return ErrPlayerGone
		}
		if p.ResumeToken == "" || p.ResumeToken != strings.TrimSpace(token) {
			return ErrResumeRejected
		}
		if p.Connected {
			return ErrNotDisconnected
		}
		oldClient = p.ClientID
		p.ClientID = newClientID
		p.Connected = true
		p.Intentional = false
		out = *p
		return nil
	})
	if err != nil {
		c.logger.Info("session_resume_refused", zap.String("side", string(side)), zap.Error(err))
		return nil, err
	}
	c.mu.Lock()
	delete(c.bindings, oldClient)
	delete(c.intent, oldClient)
	c.bindings[newClientID] = side
	c.mu.Unlock()
	c.logger.Info("session_resume",
		zap.String("session_id", c.id),
		zap.String("client_id", newClientID),
		zap.String("side", string(side)),
	)
	return &out, nil
}

// Player returns the player holding side.
func (c *Coordinator) Player(ctx context.Context, side duel.Side) (Player, bool) {
	s, err := c.Session(ctx)
	if err != nil {
		return Player{}, false
	}
	return s.Player(side)
}

// Purge removes the player of side once its reconnection window is over.
func (c *Coordinator) Purge(ctx context.Context, side duel.Side) error {
	var gone string
	_, err := c.store.Update(ctx, c.id, func(s *Session) error {
		kept := s.Players[:0]
		for _, p := range s.Players {
			if p.Side == side {
				gone = p.ClientID
				continue
			}
			kept = append(kept, p)
		}
		s.Players = kept
		if s.Status == StatusFull {
			s.Status = StatusOpen
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.bindings, gone)
	delete(c.intent, gone)
	c.mu.Unlock()
	c.logger.Info("session_purge", zap.String("session_id", c.id), zap.String("side", string(side)))
	return nil
}

// Close marks the session closed and withdraws its join code.
func (c *Coordinator) Close(ctx context.Context) error {
	_, err := c.store.Update(ctx, c.id, func(s *Session) error {
		s.Status = StatusClosed
		for i := range s.Players {
			s.Players[i].Connected = false
		}
		return nil
	})
	if err != nil && err != ErrSessionGone {
		return err
	}
	return c.store.ReleaseCode(ctx, c.code)
}

func (c *Coordinator) bind(clientID string, side duel.Side) {
	c.mu.Lock()
	c.bindings[clientID] = side
	c.mu.Unlock()
}
