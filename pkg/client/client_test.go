package client

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/status":
			_, _ = w.Write([]byte(`{"path":"/run/x.pid","running":true,"pid":42,"claimed":true,"own_pid":42,"process":{"pid":42,"name":"x"}}`))
		case "/api/healthz":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/api", Timeout: time.Second})
	st, err := c.Status(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "/run/x.pid", st.Path)
	assert.True(t, st.Running)
	assert.Equal(t, 42, st.PID)
	require.NotNil(t, st.Process)
	assert.Equal(t, "x", st.Process.Name)

	// 503 still means a daemon answered
	assert.True(t, c.IsReachable(t.Context()))
}

func TestStatusAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"open pidfile: permission denied"}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Status(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestHistory(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[{"type":"claim","occurred_at":"2024-01-02T03:04:05Z","record":{"path":"/p","pid":7,"host":"h"}}]`))
	}))
	defer srv.Close()

	evs, err := New(Config{BaseURL: srv.URL}).History(t.Context(), 3)
	require.NoError(t, err)
	assert.Equal(t, "limit=3", gotQuery)
	require.Len(t, evs, 1)
	assert.Equal(t, "claim", evs[0].Type)
	assert.Equal(t, 7, evs[0].Record.PID)
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	assert.False(t, c.IsReachable(t.Context()))
	_, err := c.Status(t.Context())
	assert.Error(t, err)
}
