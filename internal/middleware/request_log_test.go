package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogger(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	previous := logrus.GetLevel()
	logrus.SetLevel(logrus.DebugLevel)
	defer logrus.SetLevel(previous)

	handler := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/watch_post", nil)
	req.RemoteAddr = "10.0.0.9:4242"
	handler.ServeHTTP(rec, req)

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, "request handled", entry.Message)
	assert.Equal(t, http.MethodPost, entry.Data["method"])
	assert.Equal(t, "/watch_post", entry.Data["path"])
	assert.Equal(t, "10.0.0.9", entry.Data["ip"])
	assert.Contains(t, entry.Data, "duration")
}
