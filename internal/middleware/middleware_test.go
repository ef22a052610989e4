package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Get(1).(time.Duration), args.Error(2)
}

type recordedRequest struct {
	method, route string
	code          int
}

type captureObserver struct {
	seen []recordedRequest
}

func (o *captureObserver) ObserveRequest(method, route string, code int, _ time.Duration) {
	o.seen = append(o.seen, recordedRequest{method, route, code})
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/orders/:id", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("request_id"))
	})
	return r
}

func get(r http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:5000"
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit(t *testing.T) {
	limiter := new(MockLimiter)
	limiter.On("Allow", mock.Anything, "ip:10.0.0.1").Return(true, time.Duration(0), nil).Once()
	limiter.On("Allow", mock.Anything, "ip:10.0.0.1").Return(false, 1500*time.Millisecond, nil).Once()
	limiter.On("Allow", mock.Anything, "ip:10.0.0.1").Return(false, time.Duration(0), errors.New("redis down")).Once()
	r := newRouter(RateLimit(limiter, 60))

	w := get(r, "/orders/1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))

	w = get(r, "/orders/1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	w = get(r, "/orders/1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_ERROR")

	limiter.AssertExpectations(t)
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter(60, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, retry, err := l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Second)

	// keys are independent
	ok, _, _ = l.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestRequestID(t *testing.T) {
	r := newRouter(RequestID())

	w := get(r, "/orders/1")
	id := w.Header().Get(RequestIDHeader)
	assert.Len(t, id, 36)
	assert.Equal(t, id, w.Body.String())

	w = get(r, "/orders/1", RequestIDHeader, "desk-42")
	assert.Equal(t, "desk-42", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "desk-42", w.Body.String())
}

func TestMetrics(t *testing.T) {
	obs := &captureObserver{}
	r := newRouter(Metrics(obs))

	get(r, "/orders/abc")
	get(r, "/missing")

	require.Len(t, obs.seen, 2)
	assert.Equal(t, recordedRequest{"GET", "/orders/:id", 200}, obs.seen[0])
	assert.Equal(t, recordedRequest{"GET", "", 404}, obs.seen[1])
}
