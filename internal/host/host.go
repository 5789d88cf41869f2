// Package host runs one authoritative session: it owns the match, binds
// connections to sides, replicates state and drives reconnection.
package host

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/duel/internal/archive"
	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/internal/joincode"
	"github.com/park285/duel/internal/msgcat"
	"github.com/park285/duel/internal/obslog"
	"github.com/park285/duel/internal/reconnect"
	"github.com/park285/duel/internal/session"
	"github.com/park285/duel/internal/syncer"
	"github.com/park285/duel/internal/transport"
)

type Options struct {
	Store          session.Store
	ReconnectStore reconnect.Store
	Archive        archive.Saver
	Catalog        *msgcat.Catalog
	Clock          clockwork.Clock
	Logger         *zap.Logger

	HostAddress string
	HostPort    int
	HostSide    duel.Side
	StartFEN    string

	Heartbeat      time.Duration
	TransitionLock time.Duration
	TurnTimeout    time.Duration
	WriteTimeout   time.Duration
	Reconnect      reconnect.Policy
}

// Host is the authority for one session.
type Host struct {
	opts    Options
	clock   clockwork.Clock
	logger  *zap.Logger
	catalog *msgcat.Catalog
	archive archive.Saver

	coord  *session.Coordinator
	match  *duel.Match
	pusher *syncer.Pusher
	hub    *transport.Hub
	recon  *reconnect.Manager

	mu        sync.Mutex
	names     map[duel.Side]string
	started   bool
	startedAt time.Time
	listeners []func(duel.GameEndState)

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New opens the session and wires its components. Nothing runs until Run.
func New(ctx context.Context, opts Options) (*Host, error) {
	if opts.Store == nil {
		opts.Store = session.NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Catalog == nil {
		opts.Catalog = msgcat.Default()
	}
	h := &Host{
		opts:    opts,
		clock:   opts.Clock,
		logger:  obslog.Or(opts.Logger),
		catalog: opts.Catalog,
		archive: opts.Archive,
		names:   map[duel.Side]string{},
	}
	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))

	coord, err := session.NewCoordinator(ctx, opts.Store, session.Options{
		HostAddress: opts.HostAddress,
		HostPort:    opts.HostPort,
		HostSide:    opts.HostSide,
		Clock:       opts.Clock,
		Logger:      h.logger,
	})
	if err != nil {
		h.cancel()
		return nil, err
	}
	h.coord = coord
	h.hub = transport.NewHub(h, transport.HubOptions{WriteTimeout: opts.WriteTimeout, Logger: h.logger})
	h.pusher = syncer.NewPusher(h.hub, syncer.Options{Clock: opts.Clock, Heartbeat: opts.Heartbeat, Logger: h.logger})
	h.recon = reconnect.NewManager(reconnect.Options{
		Policy:      opts.Reconnect,
		Store:       opts.ReconnectStore,
		Clock:       opts.Clock,
		Logger:      h.logger,
		OnRecovered: h.reconnectRecovered,
		OnExhausted: h.reconnectExhausted,
	})
	match, err := duel.NewMatch(duel.Options{
		Clock:          opts.Clock,
		Logger:         h.logger,
		Observer:       h,
		StartFEN:       opts.StartFEN,
		TransitionLock: opts.TransitionLock,
		TurnTimeout:    opts.TurnTimeout,
	})
	if err != nil {
		h.cancel()
		_ = coord.Close(ctx)
		return nil, err
	}
	h.match = match
	h.pusher.Push(ctx, match.Snapshot())
	return h, nil
}

// Run drives the heartbeat until ctx ends or Close is called.
func (h *Host) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	h.logger.Info("host_run",
		zap.String("session_id", h.coord.ID()),
		zap.String("code", h.coord.JoinCode()),
	)
	err := h.pusher.Run(ctx)
	if h.ctx.Err() != nil {
		return nil
	}
	return err
}

// Close stops reconnection runs, disconnects every peer and closes the
// session record.
func (h *Host) Close(ctx context.Context) error {
	h.cancel()
	h.recon.Close()
	h.hub.Close()
	h.wg.Wait()
	return h.coord.Close(ctx)
}

// Handler serves the websocket endpoint, the join-code directory and a
// health check.
func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h.hub)
	mux.Handle("GET /join/{code}", joincode.NewDirectoryHandler(h.opts.Store, h.logger))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (h *Host) Hub() *transport.Hub { return h.hub }
func (h *Host) Match() *duel.Match { return h.match }
func (h *Host) Coordinator() *session.Coordinator { return h.coord }
func (h *Host) Reconnects() *reconnect.Manager { return h.recon }
func (h *Host) SessionID() string { return h.coord.ID() }
func (h *Host) JoinCode() string { return h.coord.JoinCode() }

// OnGameEnd registers fn to run after the end is broadcast.
func (h *Host) OnGameEnd(fn func(duel.GameEndState)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// ErrGameInProgress is returned by Rematch before the current game has ended.
var ErrGameInProgress = errors.New("game still in progress")

// Rematch starts a new game in the same session with the same sides. It is
// refused while the current game is running.
func (h *Host) Rematch(ctx context.Context) error {
	if !h.match.EndState().Over {
		return ErrGameInProgress
	}
	if err := h.match.Reset(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.startedAt = h.clock.Now()
	h.mu.Unlock()
	return nil
}

// Wait blocks until in-flight move handlers and archive writes finish.
func (h *Host) Wait() { h.wg.Wait() }

func (h *Host) startIfReady(ctx context.Context) {
	sess, err := h.coord.Session(ctx)
	if err != nil || len(sess.Players) < 2 {
		return
	}
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.startedAt = h.clock.Now()
	h.mu.Unlock()
	h.match.Start()
	h.logger.Info("host_game_start", zap.String("session_id", h.coord.ID()))
}

// spawn runs fn on a goroutine that Close and Wait account for.
func (h *Host) spawn(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}
