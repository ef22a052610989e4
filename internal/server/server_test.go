package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victoralfred/execution-engine/internal/adapters/venue"
	"github.com/victoralfred/execution-engine/internal/config"
	"github.com/victoralfred/execution-engine/internal/core/ports"
	"github.com/victoralfred/execution-engine/internal/core/services/engine"
	"github.com/victoralfred/execution-engine/internal/core/services/routing"
	"github.com/victoralfred/execution-engine/internal/metrics"
	"go.uber.org/zap"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 3 * time.Second, nil
}

func setupTestServer(t *testing.T, deps Dependencies) *HTTPServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := engine.New(engine.DefaultConfig(), func(books ports.BookSource, venues *routing.Router) ports.VenueGateway {
		return venue.NewSimulator(venue.DefaultConfig(), books, venues, nil, nil)
	}, nil, nil)
	t.Cleanup(e.Close)
	deps.Engine = e
	if deps.Metrics != nil {
		sub := e.Bus().Subscribe(deps.Metrics.Observe)
		t.Cleanup(sub.Unsubscribe)
	}

	cfg := config.Default().Server
	cfg.Environment = "test"
	cfg.Version = "1.0.0"
	return New(cfg, deps, zap.NewNop())
}

func do(t *testing.T, s *HTTPServer, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func seedMarket(t *testing.T, s *HTTPServer) {
	t.Helper()
	w, _ := do(t, s, http.MethodPost, "/api/v1/venues", gin.H{
		"id":          "A",
		"name":        "Venue A",
		"fees":        gin.H{"taker_bps": 1, "fixed": "0"},
		"latency":     "1ms",
		"reliability": 1,
		"symbols":     []string{"ETH"},
		"liquidity":   gin.H{"ETH": "1000"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, _ = do(t, s, http.MethodPut, "/api/v1/market/ETH/book", gin.H{
		"bids": []gin.H{{"price": "99.9", "size": "1000"}},
		"asks": []gin.H{{"price": "100.1", "size": "1000"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func orderStatus(t *testing.T, s *HTTPServer, id string) string {
	_, env := do(t, s, http.MethodGet, "/api/v1/orders/"+id, nil)
	var o struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(env.Data, &o)
	return o.Status
}

func TestServer_HealthCheck(t *testing.T) {
	// Arrange
	server := setupTestServer(t, Dependencies{})

	// Act
	w, _ := do(t, server, http.MethodGet, "/health", nil)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.0.0", body["version"])
	assert.Contains(t, body, "orders")
}

func TestServer_StopLossLifecycle(t *testing.T) {
	server := setupTestServer(t, Dependencies{Metrics: metrics.New()})
	seedMarket(t, server)

	w, env := do(t, server, http.MethodPost, "/api/v1/orders", gin.H{
		"type":       "stop_loss",
		"symbol":     "ETH",
		"side":       "SELL",
		"quantity":   "10",
		"stop_price": "99",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "ACTIVE", created.Status)

	w, env = do(t, server, http.MethodPost, "/api/v1/market/ETH/price", gin.H{"price": "98.5", "volume": "3"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tick struct {
		Triggered []string `json:"triggered"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &tick))
	assert.Equal(t, []string{created.ID}, tick.Triggered)

	require.Eventually(t, func() bool {
		return orderStatus(t, server, created.ID) == "FILLED"
	}, 2*time.Second, 10*time.Millisecond)

	_, env = do(t, server, http.MethodGet, "/api/v1/slippage/statistics", nil)
	var stats struct {
		TotalExecutions uint64 `json:"total_executions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, uint64(1), stats.TotalExecutions)

	w, _ = do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `execution_fills_total{symbol="ETH",venue="A"} 1`)
}

func TestServer_ErrorMapping(t *testing.T) {
	server := setupTestServer(t, Dependencies{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown order", http.MethodGet, "/api/v1/orders/missing", nil, http.StatusNotFound, "ORDER_NOT_FOUND"},
		{"bad side", http.MethodPost, "/api/v1/orders", gin.H{"type": "MARKET", "symbol": "ETH", "side": "HOLD", "quantity": "1"}, http.StatusBadRequest, "VALIDATION"},
		{"unknown type", http.MethodPost, "/api/v1/orders", gin.H{"type": "LIMIT", "symbol": "ETH", "side": "BUY", "quantity": "1"}, http.StatusBadRequest, "VALIDATION"},
		{"negative volume", http.MethodPost, "/api/v1/market/ETH/price", gin.H{"price": "100", "volume": "-1"}, http.StatusBadRequest, "VALIDATION"},
		{"no book", http.MethodGet, "/api/v1/market/BTC/estimate?side=BUY&quantity=1", nil, http.StatusUnprocessableEntity, "NO_ORDER_BOOK"},
		{"unknown run", http.MethodGet, "/api/v1/executions/nope", nil, http.StatusNotFound, "RUN_NOT_FOUND"},
		{"unknown venue", http.MethodGet, "/api/v1/venues/Z", nil, http.StatusNotFound, "VENUE_NOT_FOUND"},
		{"bad duration", http.MethodPost, "/api/v1/executions", gin.H{"symbol": "ETH", "side": "BUY", "quantity": "1", "algo": gin.H{"type": "TWAP", "slices": 2, "duration": "soon"}}, http.StatusBadRequest, "VALIDATION"},
		{"analysis without data", http.MethodGet, "/api/v1/slippage/analysis/ETH", nil, http.StatusUnprocessableEntity, "INSUFFICIENT_DATA"},
		{"too many slices", http.MethodPost, "/api/v1/executions", gin.H{"symbol": "ETH", "side": "BUY", "quantity": "1", "algo": gin.H{"type": "TWAP", "slices": 2000000000, "duration": "1h"}}, http.StatusBadRequest, "VALIDATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := do(t, server, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.False(t, env.Success)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestServer_ListOrdersAcrossSymbols(t *testing.T) {
	server := setupTestServer(t, Dependencies{})

	w, env := do(t, server, http.MethodGet, "/api/v1/orders", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `[]`, string(env.Data))

	for _, symbol := range []string{"ETH", "BTC"} {
		w, _ = do(t, server, http.MethodPost, "/api/v1/orders", gin.H{
			"type":       "stop_loss",
			"symbol":     symbol,
			"side":       "SELL",
			"quantity":   "1",
			"stop_price": "50",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	var listed []struct {
		Symbol string `json:"symbol"`
	}
	w, env = do(t, server, http.MethodGet, "/api/v1/orders", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, "ETH", listed[0].Symbol)
	assert.Equal(t, "BTC", listed[1].Symbol)

	listed = nil
	_, env = do(t, server, http.MethodGet, "/api/v1/orders?symbol=BTC&live=true", nil)
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "BTC", listed[0].Symbol)
}

func TestServer_ImmediateExecution(t *testing.T) {
	server := setupTestServer(t, Dependencies{})
	seedMarket(t, server)

	w, env := do(t, server, http.MethodPost, "/api/v1/executions", gin.H{
		"symbol":   "ETH",
		"side":     "BUY",
		"quantity": "5",
		"algo":     gin.H{"type": "IMMEDIATE"},
		"wait":     true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		RunID          string `json:"run_id"`
		Status         string `json:"status"`
		FilledQuantity string `json:"filled_quantity"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "COMPLETED", res.Status)
	assert.Equal(t, "5", res.FilledQuantity)

	w, _ = do(t, server, http.MethodGet, "/api/v1/executions/"+res.RunID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, env = do(t, server, http.MethodDelete, "/api/v1/executions/"+res.RunID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE_TRANSITION", env.Error.Code)
}

func TestServer_RoutingMode(t *testing.T) {
	server := setupTestServer(t, Dependencies{})

	w, _ := do(t, server, http.MethodPut, "/api/v1/routing/mode", gin.H{"mode": "aggressive"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, env := do(t, server, http.MethodGet, "/api/v1/routing/mode", nil)
	assert.JSONEq(t, `{"mode":"AGGRESSIVE"}`, string(env.Data))
}

func TestServer_RateLimit(t *testing.T) {
	server := setupTestServer(t, Dependencies{Limiter: denyAll{}})

	w, _ := do(t, server, http.MethodGet, "/api/v1/venues", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"))

	// health and metrics sit outside the limited group
	w, _ = do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_RequestIDAndCORS(t *testing.T) {
	server := setupTestServer(t, Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "test-request-123")
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	assert.Equal(t, "test-request-123", w.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/orders", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w = httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))
}

func TestServer_OpenAPI(t *testing.T) {
	server := setupTestServer(t, Dependencies{})

	w, _ := do(t, server, http.MethodGet, "/docs/openapi.json", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		OpenAPI string                               `json:"openapi"`
		Paths   map[string]map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.0", doc.OpenAPI)
	require.Contains(t, doc.Paths, "/api/v1/orders/{id}")
	assert.Equal(t, "Cancel an order", doc.Paths["/api/v1/orders/{id}"]["delete"]["summary"])
	assert.Contains(t, doc.Paths, "/api/v1/market/{symbol}/price")
	assert.NotContains(t, doc.Paths, "/api/v1/jobs")
}

func TestServer_GracefulShutdown(t *testing.T) {
	server := setupTestServer(t, Dependencies{})
	server.config.Port = 0
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
