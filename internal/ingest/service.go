package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/curvetrack/backend/internal/config"
)

// Service is the ingestor process: webhook receiver, fallback poller,
// ranking calculator, price stream, metadata repair loop, and the live
// trade websocket, all sharing one store and pipeline.
type Service struct {
	cfg      config.IngestorConfig
	logger   *slog.Logger
	store    *Store
	hub      *Hub
	pipeline *Pipeline
	poller   *Poller
	enricher *Enricher
	redis    *redis.Client

	background      sync.WaitGroup
	rankingInFlight atomic.Bool
}

func New(cfg config.IngestorConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	hub := NewHub(logger)
	enricher := NewEnricher(NewHTTPMetadataSource(cfg), redisClient, logger)

	pipeline, err := NewPipeline(store, hub, NewBook(), enricher, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	poller := NewPoller(
		store,
		pipeline,
		NewTransactionSources(cfg),
		cfg.PollInterval,
		cfg.PollBatchLimit,
		logger,
	)

	return &Service{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		hub:      hub,
		pipeline: pipeline,
		poller:   poller,
		enricher: enricher,
		redis:    redisClient,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		s.background.Wait()
		if s.redis != nil {
			if err := s.redis.Close(); err != nil {
				s.logger.Error("failed to close redis client", "err", err)
			}
		}
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	if err := s.pipeline.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild positions: %w", err)
	}

	s.logger.Info("ingestor started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"chains", len(s.cfg.Chains),
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.runHTTPServer(ctx) })
	group.Go(func() error { return s.poller.Run(ctx) })
	group.Go(func() error { return s.runRankingLoop(ctx) })
	group.Go(func() error { return s.runRepairLoop(ctx) })
	if s.cfg.EnablePythPriceStream {
		group.Go(func() error {
			s.runPythPriceStream(ctx)
			return nil
		})
	}

	err := group.Wait()
	s.logger.Info("ingestor stopped")
	return err
}

func (s *Service) runHTTPServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/webhooks/", s.handleWebhook)
	mux.HandleFunc("/ws", s.handleLiveFeed)
	mux.HandleFunc("/v1/agents", s.handleAgentsRoot)
	mux.HandleFunc("/v1/agents/", s.handleAgentsSubroutes)
	mux.HandleFunc("/v1/trades/", s.handleTradeSubroutes)
	mux.HandleFunc("/v1/admin/repair-buybacks", s.handleRepairBuybacks)

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("ingest server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown ingest server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ingest server: %w", err)
		}
		return nil
	}
}
