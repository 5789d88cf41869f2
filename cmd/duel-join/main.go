package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/park285/duel/internal/client"
	"github.com/park285/duel/internal/config"
	"github.com/park285/duel/internal/console"
	"github.com/park285/duel/internal/joincode"
	"github.com/park285/duel/internal/msgcat"
	"github.com/park285/duel/internal/obslog"
	"github.com/park285/duel/internal/session"
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
	logger := obslog.Named("join")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	in := bufio.NewReader(os.Stdin)
	code := ""
	if len(os.Args) > 1 {
		code = os.Args[1]
	} else {
		fmt.Print("join code: ")
		line, _ := in.ReadString('\n')
		code = strings.TrimSpace(line)
	}

	var resolvers joincode.Chain
	if cfg.RedisURL != "" {
		rdb, err := session.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis init error: %v", err)
		}
		defer rdb.Close()
		resolvers = append(resolvers, joincode.NewRedisResolver(session.NewRedisStore(rdb)))
	}
	if cfg.DirectoryURL != "" {
		resolvers = append(resolvers, joincode.NewHTTPResolver(cfg.DirectoryURL))
	}

	f := console.NewFormatter(cat)
	var con *console.Console
	var me *client.Client
	opts := client.Options{
		Name:      cfg.PlayerName,
		Logger:    logger,
		Reconnect: cfg.ReconnectPolicy(),
		OnEvent:   func(ev client.Event) { con.Println(f.Event(ev, me.Side())) },
	}
	if len(resolvers) > 0 {
		opts.Resolver = resolvers
	}
	me = client.New(opts)
	con = console.New(os.Stdout, f, me)

	w, err := me.Join(ctx, code)
	switch {
	case errors.Is(err, joincode.ErrInvalidJoinCode):
		log.Fatal(cat.Text("session.invalid_join_code", map[string]any{"Code": code}))
	case errors.Is(err, client.ErrSessionFull):
		log.Fatal(cat.Text("session.full", nil))
	case err != nil:
		log.Fatalf("join error: %v", err)
	}
	con.Println(cat.Text("session.welcome", map[string]any{"Side": w.Side}))

	if err := con.Run(ctx, in); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("console_ended", zap.Error(err))
	}
	_ = me.Close()
}
