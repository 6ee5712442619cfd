package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldmark/pindrop/internal/connectivity"
	"github.com/fieldmark/pindrop/internal/remote"
	"github.com/fieldmark/pindrop/internal/service"
	"github.com/fieldmark/pindrop/internal/store"
	"github.com/fieldmark/pindrop/internal/syncer"
)

// app bundles the wired components a command needs. Close releases the
// store; commands that start the monitor stop it themselves.
type app struct {
	store   store.Store
	client  *remote.Client
	monitor *connectivity.Monitor
	service *service.Service
	syncer  syncer.Syncer
}

// buildApp wires store, client, monitor, facade and sync engine from
// the loaded config. When the SQLite cache cannot be opened the client
// degrades to remote-only: offline capture is disabled but direct
// operations still work.
func buildApp(logger *log.Logger) (*app, error) {
	client := remote.NewClient(cfg.RemoteURL, nil)

	var st store.Store
	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: no durable storage (%v), running remote-only\n", err)
		} else {
			db, err := store.Open(cfg.DBPath, &store.Options{MaxQueue: cfg.MaxQueue})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: no durable storage (%v), running remote-only\n", err)
			} else {
				st = db
			}
		}
	}

	monitor := connectivity.New(client, cfg.ProbeInterval, logger)

	return &app{
		store:   st,
		client:  client,
		monitor: monitor,
		service: service.New(st, client, monitor, logger),
		syncer:  syncer.New(st, client, monitor, logger),
	}, nil
}

// probeOnce runs a single reachability check so one-shot commands do
// not need the background probe loop.
func (a *app) probeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.monitor.Set(a.client.Ping(ctx) == nil)
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
		}
	}
}
