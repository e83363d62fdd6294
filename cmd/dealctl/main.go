// Command dealctl inspects and drives acquisition cases from a terminal.
package main

import (
	"context"
	"fmt"
	"os"

	"dealflow/config"
	"dealflow/db"
	"dealflow/deal"
	"dealflow/document"
	"dealflow/logger"
	"dealflow/review"
	"dealflow/transition"
)

func main() {
	if err := newRootCmd(openPostgres).Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles what the commands operate on.
type app struct {
	store   deal.Store
	engine  *transition.Engine
	reviews *review.Service
	docs    *document.Service
	events  func(ctx context.Context, id string) ([]deal.Event, error)
	migrate func(ctx context.Context) error
	close   func()
}

type opener func(ctx context.Context, verbose bool) (*app, error)

func openPostgres(ctx context.Context, verbose bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("dealctl: set DEALFLOW_DATABASE_URL or DATABASE_URL")
	}
	log := logger.Nop()
	if verbose {
		if log, err = logger.New(cfg.LogMode); err != nil {
			return nil, err
		}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.Pool)
	if err != nil {
		return nil, err
	}
	store := deal.NewPGStore(pool)
	a := wire(store, document.NewRepository(pool), review.NewRepository(pool), cfg, log)
	a.events = store.Events
	a.migrate = func(ctx context.Context) error { return db.Migrate(ctx, pool) }
	a.close = func() {
		log.Sync()
		pool.Close()
	}
	return a, nil
}

func wire(store deal.Store, docRepo document.Repo, notes review.Store, cfg config.Config, log *logger.Logger) *app {
	docs := document.NewService(docRepo, cfg.DocumentsEnforced, cfg.DocumentsRequired...)
	engine := transition.New(store,
		transition.WithDocumentCheck(docs),
		transition.WithThresholds(cfg.Thresholds),
		transition.WithCostTable(cfg.CostTable),
		transition.WithLogger(log),
	)
	return &app{
		store:   store,
		engine:  engine,
		reviews: review.NewService(notes, engine, log),
		docs:    docs,
		close:   func() {},
	}
}
