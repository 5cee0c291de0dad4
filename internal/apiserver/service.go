package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/curvetrack/backend/internal/chain"
	"github.com/curvetrack/backend/internal/config"
	"github.com/curvetrack/backend/internal/ingest"
)

// Service is the read-only REST surface over the ingestor's store: trades,
// buybacks, leaderboard standings, candles, and token stats.
type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            *ingest.Store
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := ingest.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/trades", s.handleTrades)
	mux.HandleFunc("/v1/agents/", s.handleAgentSubroutes)
	mux.HandleFunc("/v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("/v1/chart/candles", s.handleChartCandles)
	mux.HandleFunc("/v1/token-stats", s.handleTokenStats)

	handler := s.withCORS(mux)
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
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

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.listTrades(w, r, ingest.TradeFilter{
		AgentID: strings.TrimSpace(r.URL.Query().Get("agent_id")),
	})
}

// handleAgentSubroutes serves GET /v1/agents/{id}/trades, GET
// /v1/agents/{id}/buybacks, and GET /v1/agents/{id}/pnl.
func (s *Service) handleAgentSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/agents/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}

	switch parts[1] {
	case "trades":
		s.listTrades(w, r, ingest.TradeFilter{AgentID: parts[0]})
	case "buybacks":
		s.listTrades(w, r, ingest.TradeFilter{AgentID: parts[0], BuybacksOnly: true})
	case "pnl":
		s.handleAgentPnl(w, r, parts[0])
	default:
		s.respondError(w, http.StatusNotFound, "not found")
	}
}

type agentPnlResponse struct {
	Stats  ingest.AgentPnlStats    `json:"stats"`
	Events []ingest.PnlEventRecord `json:"events"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// handleAgentPnl serves the agent's realized-P&L summary (all-time and
// current UTC day) with a page of the underlying events.
func (s *Service) handleAgentPnl(w http.ResponseWriter, r *http.Request, agentID string) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var tag chain.Chain
	if raw := strings.TrimSpace(r.URL.Query().Get("chain")); raw != "" {
		tag, err = chain.Parse(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	stats, err := s.store.GetAgentPnlStats(r.Context(), agentID, ingest.StartOfUTCDay(time.Now()))
	if err != nil {
		s.logger.Error("load pnl stats failed", "agent_id", agentID, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load pnl stats")
		return
	}

	events, normalizedLimit, normalizedOffset, err := s.store.ListAgentPnlEvents(r.Context(), agentID, tag, limit, offset)
	if err != nil {
		s.logger.Error("list pnl events failed", "agent_id", agentID, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list pnl events")
		return
	}

	s.respondJSON(w, http.StatusOK, agentPnlResponse{
		Stats:  stats,
		Events: events,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) listTrades(w http.ResponseWriter, r *http.Request, filter ingest.TradeFilter) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter.Chain = strings.TrimSpace(r.URL.Query().Get("chain"))
	filter.Limit = limit
	filter.Offset = offset
	if !filter.BuybacksOnly {
		filter.BuybacksOnly = strings.TrimSpace(r.URL.Query().Get("buybacks")) == "true"
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListTrades(r.Context(), filter)
	if err != nil {
		if errors.Is(err, chain.ErrUnknownChain) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("list trades failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[ingest.TradeRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.GetLeaderboard(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("load leaderboard failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[ingest.LeaderboardRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleChartCandles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	if agentID == "" {
		s.respondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	tag, err := requireChain(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	interval, err := parseOptionalInt64(r, "interval", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.store.GetAgentCandles(r.Context(), agentID, tag, interval, limit)
	if err != nil {
		s.logger.Error("load candles failed", "agent_id", agentID, "chain", tag, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load candles")
		return
	}

	s.respondJSON(w, http.StatusOK, struct {
		Items []ingest.Candle `json:"items"`
	}{Items: items})
}

func (s *Service) handleTokenStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	if agentID == "" {
		s.respondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	tag, err := requireChain(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.store.GetAgentTokenStats(r.Context(), agentID, tag, limit)
	if err != nil {
		s.logger.Error("load token stats failed", "agent_id", agentID, "chain", tag, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load token stats")
		return
	}

	s.respondJSON(w, http.StatusOK, struct {
		Items []ingest.TokenStats `json:"items"`
	}{Items: items})
}

func requireChain(r *http.Request) (chain.Chain, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("chain"))
	if raw == "" {
		return "", fmt.Errorf("chain is required")
	}
	return chain.Parse(raw)
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseOptionalInt64(r *http.Request, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
