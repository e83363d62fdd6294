package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dealflow/audit"
	"dealflow/auth"
	"dealflow/config"
	"dealflow/db"
	"dealflow/deal"
	"dealflow/document"
	"dealflow/intent"
	"dealflow/logger"
	"dealflow/orchestrator"
	"dealflow/review"
	"dealflow/telemetry"
	"dealflow/transition"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dealflow api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireServer(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{Enabled: cfg.TelemetryEnabled, ServiceName: "dealflow-api"})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.Pool)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	server, err := newServer(cfg, log, wiring{
		store:     telemetry.WrapStore(deal.NewPGStore(pool)),
		docs:      document.NewRepository(pool),
		notes:     review.NewRepository(pool),
		sink:      audit.NewPGSink(pool),
		operators: auth.NewRepository(pool),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("http server shutting down")
		return httpServer.Shutdown(sctx)
	})
	return g.Wait()
}

type auditStore interface {
	audit.Sink
	auditReader
}

// wiring holds the storage backends so tests can build a server on memory stores.
type wiring struct {
	store     deal.Store
	docs      document.Repo
	notes     review.Store
	sink      auditStore
	operators auth.Repository
}

func newServer(cfg config.Config, log *logger.Logger, w wiring) (*Server, error) {
	docs := document.NewService(w.docs, cfg.DocumentsEnforced, cfg.DocumentsRequired...)
	engine := transition.New(w.store,
		transition.WithDocumentCheck(docs),
		transition.WithThresholds(cfg.Thresholds),
		transition.WithCostTable(cfg.CostTable),
		transition.WithLogger(log),
	)
	reviews := review.NewService(w.notes, engine, log)

	var classifier intent.Classifier
	if cfg.AnthropicAPIKey != "" {
		c, err := intent.NewAnthropicClassifier(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		if err != nil {
			return nil, fmt.Errorf("intent classifier: %w", err)
		}
		classifier = c
	} else {
		log.Info("no anthropic api key configured, intent routing uses keyword matching only")
	}
	router := intent.NewRouter(classifier, intent.WithTimeout(cfg.ClassifierTimeout), intent.WithLogger(log))

	opts := []orchestrator.Option{
		orchestrator.WithReviews(reviews),
		orchestrator.WithDocuments(docs),
		orchestrator.WithLogger(log),
	}
	if w.sink != nil {
		opts = append(opts, orchestrator.WithAuditSink(w.sink))
	}

	s := &Server{
		authService:  auth.NewService(w.operators, cfg.JWTSecret),
		conversation: orchestrator.New(w.store, engine, router, opts...),
		cases:        w.store,
		reviews:      reviews,
		documents:    docs,
		log:          log,
	}
	if w.sink != nil {
		s.auditTrail = w.sink
	}
	return s, nil
}
