// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command fluxhub runs the FluxDrive signaling hub and the drive metadata
// API in a single process.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/fluxdrive/fluxdrive/lib/api"
	"github.com/fluxdrive/fluxdrive/lib/config"
	"github.com/fluxdrive/fluxdrive/lib/directory"
	"github.com/fluxdrive/fluxdrive/lib/events"
	"github.com/fluxdrive/fluxdrive/lib/hub"
	"github.com/fluxdrive/fluxdrive/lib/logger"
	"github.com/fluxdrive/fluxdrive/lib/registry"
	"github.com/fluxdrive/fluxdrive/lib/session"
)

var l = logger.DefaultLogger.NewFacility("main", "Hub process")

type cliOptions struct {
	Config  string `name:"config" short:"c" default:"fluxhub.yaml" help:"Configuration file path."`
	Listen  string `name:"listen" help:"Override the listen address."`
	Version bool   `name:"version" help:"Print version and exit."`
}

const shortVersion = "1.0.0"

func main() {
	var opts cliOptions
	kong.Parse(&opts, kong.Name("fluxhub"), kong.Description("FluxDrive signaling hub"))

	if opts.Version {
		fmt.Println("fluxhub", shortVersion)
		return
	}

	if err := run(opts); err != nil {
		l.Warnln("exiting:", err)
		os.Exit(1)
	}
}

func run(opts cliOptions) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("no JWT secret configured; set FLUX_JWT_SECRET")
	}
	if cfg.DatabaseDSN == "" {
		return fmt.Errorf("no database configured; set FLUX_DB_DSN")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	dir := directory.NewService(pool)
	store := api.NewFileStore(pool)
	migrateCtx, migrateCancel := context.WithTimeout(ctx, 30*time.Second)
	defer migrateCancel()
	if err := dir.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("migrating directory schema: %w", err)
	}
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("migrating files schema: %w", err)
	}

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return fmt.Errorf("creating storage dir: %w", err)
	}

	verifier := directory.NewTokenVerifier([]byte(cfg.JWTSecret))
	ev := events.NewLogger()
	h := hub.New(cfg.Hub, verifier, dir, registry.New(), session.NewTable(), ev)
	rest := api.New(store, verifier, cfg.StorageDir)

	mux := http.NewServeMux()
	mux.Handle("/flux", h)
	mux.Handle("/api/", rest)
	mux.Handle("/metrics", promhttp.Handler())

	sup := suture.New("fluxhub", suture.Spec{
		PassThroughPanics: false,
	})
	sup.Add(&httpService{listen: cfg.Listen, handler: mux})
	sup.Add(&eventPump{ev: ev})

	l.Infoln("fluxhub", shortVersion, "listening on", cfg.Listen)
	err = sup.Serve(ctx)
	if err != nil && err != context.Canceled {
		return err
	}
	l.Infoln("shutting down")
	return nil
}

// httpService runs the HTTP server under the supervisor and shuts it down
// cleanly when the supervision context ends.
type httpService struct {
	listen  string
	handler http.Handler
}

func (s *httpService) Serve(ctx context.Context) error {
	lst, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() { errC <- srv.Serve(lst) }()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return ctx.Err()
	}
}

func (s *httpService) String() string { return "httpService@" + s.listen }

// eventPump drains the event log into the process log so hub activity is
// visible without a metrics stack.
type eventPump struct {
	ev *events.Logger
}

func (p *eventPump) Serve(ctx context.Context) error {
	sub := p.ev.Subscribe(events.AllEvents)
	defer p.ev.Unsubscribe(sub)

	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return suture.ErrDoNotRestart
			}
			l.Debugf("event %d %v: %v", e.GlobalID, e.Type, e.Data)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *eventPump) String() string { return "eventPump" }
