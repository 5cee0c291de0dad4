package apiserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	return &Service{
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		allowAllOrigins: true,
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestAgentSubroutesRouting(t *testing.T) {
	svc := newTestService()

	rec := httptest.NewRecorder()
	svc.handleAgentSubroutes(rec, httptest.NewRequest(http.MethodPost, "/v1/agents/agent-1/pnl", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	svc.handleAgentSubroutes(rec, httptest.NewRequest(http.MethodGet, "/v1/agents/agent-1/positions", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	svc.handleAgentSubroutes(rec, httptest.NewRequest(http.MethodGet, "/v1/agents/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentPnlRejectsBadParams(t *testing.T) {
	svc := newTestService()

	rec := httptest.NewRecorder()
	svc.handleAgentSubroutes(rec, httptest.NewRequest(http.MethodGet, "/v1/agents/agent-1/pnl?limit=lots", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec), "invalid limit")

	rec = httptest.NewRecorder()
	svc.handleAgentSubroutes(rec, httptest.NewRequest(http.MethodGet, "/v1/agents/agent-1/pnl?chain=dogechain", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec), "unknown chain")
}

func TestChartCandlesRequiresAgentAndChain(t *testing.T) {
	svc := newTestService()

	rec := httptest.NewRecorder()
	svc.handleChartCandles(rec, httptest.NewRequest(http.MethodGet, "/v1/chart/candles", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec), "agent_id is required")

	rec = httptest.NewRecorder()
	svc.handleChartCandles(rec, httptest.NewRequest(http.MethodGet, "/v1/chart/candles?agent_id=agent-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec), "chain is required")
}

func TestWithCORSHandlesPreflight(t *testing.T) {
	svc := newTestService()
	handler := svc.withCORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("preflight must not reach the mux")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/trades", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
