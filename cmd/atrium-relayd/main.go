// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// atrium-relayd is the store-and-forward signal relay. Clients post
// signaling envelopes over HTTP or push them over a websocket; the
// relay holds each peer's undelivered envelopes in a per-room mailbox
// until that peer fetches them.
//
// With --redis (or relayd.redis_addr in the config file) mailboxes
// live in Redis so several relayd instances behind a load balancer
// serve the same rooms; without it they are held in process memory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/atrium-foundation/atrium/lib/clock"
	"github.com/atrium-foundation/atrium/lib/config"
	"github.com/atrium-foundation/atrium/relayd"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		redisAddr  string
	)

	flags := pflag.NewFlagSet("atrium-relayd", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to atrium.yaml (default: $ATRIUM_CONFIG, then built-in defaults)")
	flags.StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	flags.StringVar(&redisAddr, "redis", "", "Redis address for shared mailboxes (overrides config)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen == "" {
		listen = cfg.Relayd.Listen
	}
	if redisAddr == "" {
		redisAddr = cfg.Relayd.RedisAddr
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var store relayd.Store
	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer client.Close()
		store = relayd.NewRedisStore(client, cfg.Relayd.Retention.D())
		logger.Info("using redis mailboxes", "addr", redisAddr)
	} else {
		store = relayd.NewMemoryStore(clock.Real(), cfg.Relayd.Retention.D())
		logger.Info("using in-memory mailboxes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := relayd.NewServer(store, logger)
	logger.Info("relay listening", "addr", listen)
	return server.Serve(ctx, listen)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("ATRIUM_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}
