// Package middleware holds the HTTP middleware chain, most notably
// the per-IP request throttler.
package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/chanwatch/backend/internal/monitoring"
)

// maxTrackedKeys bounds throttler memory; older (ip, route) entries
// fall out of the LRU and effectively get a fresh counter.
const maxTrackedKeys = 4096

// Throttler counts requests per (remote ip, route) inside a fixed
// one-minute window. The route limit table is static; a background
// resetter zeroes every counter each minute.
type Throttler struct {
	limits   map[string]int64
	counters *lru.Cache[string, *atomic.Int64]
	disabled bool

	working atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewThrottler builds a throttler with the given route -> requests
// per minute table. When testMode is set every request is allowed.
func NewThrottler(limits map[string]int64, testMode bool) *Throttler {
	counters, err := lru.New[string, *atomic.Int64](maxTrackedKeys)
	if err != nil {
		// Only happens with a non-positive size.
		panic(err)
	}
	return &Throttler{
		limits:   limits,
		counters: counters,
		disabled: testMode,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// CanProceed increments the (route, ip) counter and reports whether
// the request is within the route's limit. Routes without a
// configured limit are allowed with a warning.
func (t *Throttler) CanProceed(route, ip string) bool {
	if t.disabled {
		return true
	}

	limit, ok := t.limits[route]
	if !ok {
		logrus.WithField("route", route).Warn("no throttle limit configured for route")
		return true
	}

	key := ip + "|" + route
	counter, ok := t.counters.Get(key)
	if !ok {
		counter = new(atomic.Int64)
		if prev, found, _ := t.counters.PeekOrAdd(key, counter); found {
			counter = prev
		}
	}

	allowed := counter.Add(1) <= limit
	if !allowed {
		monitoring.ThrottledRequests.WithLabelValues(route).Inc()
	}
	return allowed
}

// StartResetter runs the minute-cadence counter reset until Stop.
func (t *Throttler) StartResetter() {
	t.working.Store(true)
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for t.working.Load() {
			select {
			case <-ticker.C:
				t.Reset()
			case <-t.stop:
				return
			}
		}
	}()
}

func (t *Throttler) Stop() {
	if t.working.CompareAndSwap(true, false) {
		close(t.stop)
	}
	<-t.done
}

// Reset zeroes all counters, opening a fresh window.
func (t *Throttler) Reset() {
	t.counters.Purge()
}

// Middleware rejects throttled requests with the uniform error
// envelope. The HTTP status stays 200; clients read the envelope.
func (t *Throttler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := ""
		if current := mux.CurrentRoute(r); current != nil {
			route = current.GetName()
		}
		if route == "" {
			// Unnamed routes (health, metrics) are not throttled.
			next.ServeHTTP(w, r)
			return
		}

		if !t.CanProceed(route, clientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"error": "You are throttled, please wait a minute before retrying",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
