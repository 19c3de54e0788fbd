package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanProceedWithinLimit(t *testing.T) {
	th := NewThrottler(map[string]int64{"create_account": 5}, false)

	for i := 0; i < 5; i++ {
		assert.True(t, th.CanProceed("create_account", "1.2.3.4"), "request %d", i+1)
	}
	assert.False(t, th.CanProceed("create_account", "1.2.3.4"), "6th request must throttle")

	// Another IP has its own counter.
	assert.True(t, th.CanProceed("create_account", "5.6.7.8"))

	// The minute boundary reset opens a new window.
	th.Reset()
	assert.True(t, th.CanProceed("create_account", "1.2.3.4"), "7th request after reset")
}

func TestCanProceedSeparatesRoutes(t *testing.T) {
	th := NewThrottler(map[string]int64{"a": 1, "b": 1}, false)

	assert.True(t, th.CanProceed("a", "1.2.3.4"))
	assert.False(t, th.CanProceed("a", "1.2.3.4"))
	assert.True(t, th.CanProceed("b", "1.2.3.4"))
}

func TestUnknownRouteIsAllowed(t *testing.T) {
	th := NewThrottler(map[string]int64{}, false)
	for i := 0; i < 100; i++ {
		assert.True(t, th.CanProceed("mystery", "1.2.3.4"))
	}
}

func TestTestModeDisablesThrottling(t *testing.T) {
	th := NewThrottler(map[string]int64{"create_account": 1}, true)
	for i := 0; i < 10; i++ {
		assert.True(t, th.CanProceed("create_account", "1.2.3.4"))
	}
}

func TestMiddlewareWritesEnvelopeError(t *testing.T) {
	th := NewThrottler(map[string]int64{"create_account": 1}, false)

	router := mux.NewRouter()
	router.Handle("/create_account", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"success":true}}`))
	})).Name("create_account")
	router.Use(th.Middleware)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/create_account", nil)
		req.RemoteAddr = "1.2.3.4:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Contains(t, first.Body.String(), "success")

	second := do()
	assert.Equal(t, http.StatusOK, second.Code, "throttled responses still use status 200")

	var envelope map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &envelope))
	assert.Contains(t, envelope["error"], "throttled")
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "9.9.9.9:443"
	assert.Equal(t, "9.9.9.9", clientIP(r))

	r.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	assert.Equal(t, "1.1.1.1", clientIP(r))
}
