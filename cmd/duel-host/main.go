package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/duel/internal/archive"
	"github.com/park285/duel/internal/client"
	"github.com/park285/duel/internal/config"
	"github.com/park285/duel/internal/console"
	"github.com/park285/duel/internal/host"
	"github.com/park285/duel/internal/msgcat"
	"github.com/park285/duel/internal/obslog"
	"github.com/park285/duel/internal/reconnect"
	"github.com/park285/duel/internal/session"
	"github.com/park285/duel/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.Named("host")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}
	addr, port, err := cfg.Advertised()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	opts := host.Options{
		Catalog:        cat,
		Logger:         logger,
		HostAddress:    addr,
		HostPort:       port,
		HostSide:       session.ParseColorChoice(cfg.HostSide).Side(),
		Heartbeat:      cfg.Heartbeat(),
		TransitionLock: cfg.TransitionLock(),
		TurnTimeout:    cfg.TurnTimeout(),
		Reconnect:      cfg.ReconnectPolicy(),
	}
	if cfg.RedisURL != "" {
		rdb, err := session.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis init error: %v", err)
		}
		defer rdb.Close()
		opts.Store = session.NewRedisStore(rdb)
		opts.ReconnectStore = reconnect.NewRedisStore(rdb, 2*cfg.ReconnectWindow())
	}
	if cfg.DatabaseURL != "" {
		repo, err := archive.NewRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("archive init error: %v", err)
		}
		defer repo.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatalf("archive schema error: %v", err)
		}
		opts.Archive = repo
	}

	h, err := host.New(ctx, opts)
	if err != nil {
		log.Fatalf("host init error: %v", err)
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_failed", zap.Error(err))
			stop()
		}
	}()
	go func() {
		if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("host_run_failed", zap.Error(err))
		}
	}()

	// the host's own player goes through the hub like everyone else
	f := console.NewFormatter(cat)
	var con *console.Console
	var me *client.Client
	me = client.New(client.Options{
		Name:   cfg.PlayerName,
		Logger: logger,
		Dial: func(ctx context.Context, _ string) (transport.Conn, error) {
			return transport.Loopback(ctx, h.Hub()), nil
		},
		OnEvent: func(ev client.Event) { con.Println(f.Event(ev, me.Side())) },
	})
	con = console.New(os.Stdout, f, me)
	con.Handle("rematch", func(ctx context.Context, _ []string) error { return h.Rematch(ctx) })
	con.Handle("code", func(context.Context, []string) error {
		con.Println(h.JoinCode() + "  " + net.JoinHostPort(addr, strconv.Itoa(port)))
		return nil
	})

	con.Println(cat.Text("session.hosting", map[string]any{"SessionID": h.SessionID(), "JoinCode": h.JoinCode()}))
	w, err := me.Join(ctx, net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		log.Fatalf("local join error: %v", err)
	}
	con.Println(cat.Text("session.welcome", map[string]any{"Side": w.Side}))
	con.Println(cat.Text("session.waiting", nil))

	if err := con.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("console_ended", zap.Error(err))
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = me.Close()
	_ = h.Close(shutdown)
	_ = srv.Shutdown(shutdown)
}
