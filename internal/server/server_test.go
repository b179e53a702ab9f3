package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dantte-lp/gofabric/internal/msg"
	"github.com/dantte-lp/gofabric/internal/router"
	"github.com/dantte-lp/gofabric/internal/server"
	"github.com/dantte-lp/gofabric/internal/session"
)

// newTestServer builds an admin server over an unstarted router with
// a couple of registered handlers.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := router.New(router.Config{
		RouterEP:  msg.MustEP("physical://root/hub0/admin-test"),
		Transport: router.NewNetTransport(router.NetTransportConfig{Logger: logger}),
		Session:   session.Config{},
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	if _, err := r.Register(msg.MustEP("logical://svc/alpha"),
		router.SessionOptions{Type: router.SessionQuery},
		func(_ context.Context, q *msg.Message) (*msg.Message, error) {
			return msg.NewPropertyMsg(q.FromEP), nil
		}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(msg.MustEP("logical://svc/beta/*"),
		router.SessionOptions{},
		func(_ context.Context, _ *msg.Message) (*msg.Message, error) {
			return nil, nil
		}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ts := httptest.NewServer(server.New(r, logger).Handler())
	t.Cleanup(ts.Close)
	return ts
}

// getJSON fetches a path and decodes the JSON body.
func getJSON(t *testing.T, ts *httptest.Server, path string, out any) {
	t.Helper()

	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d", path, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("GET %s content type = %q", path, ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("GET %s decode: %v", path, err)
	}
}

// TestAdminEndpoints verifies the admin API surface.
func TestAdminEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	t.Run("health", func(t *testing.T) {
		t.Parallel()
		var body map[string]string
		getJSON(t, ts, "/health", &body)
		if body["status"] != "ok" {
			t.Errorf("health = %v", body)
		}
	})

	t.Run("status", func(t *testing.T) {
		t.Parallel()
		var st router.Status
		getJSON(t, ts, "/v1/status", &st)
		if st.RouterEP != "physical://root/hub0/admin-test" {
			t.Errorf("status router_ep = %q", st.RouterEP)
		}
		if st.Tier != "Leaf" {
			t.Errorf("status tier = %q", st.Tier)
		}
		if st.Started {
			t.Error("unstarted router reports started")
		}
		if st.LogicalRoutes != 2 {
			t.Errorf("status logical_routes = %d, want 2", st.LogicalRoutes)
		}
	})

	t.Run("logical routes", func(t *testing.T) {
		t.Parallel()
		var routes []struct {
			Pattern  string `json:"pattern"`
			Local    bool   `json:"local"`
			Distance string `json:"distance"`
		}
		getJSON(t, ts, "/v1/routes/logical", &routes)
		if len(routes) != 2 {
			t.Fatalf("logical routes = %d, want 2", len(routes))
		}
		for _, lr := range routes {
			if !lr.Local || lr.Distance != "Process" {
				t.Errorf("route %+v should be local at Process distance", lr)
			}
		}
	})

	t.Run("physical routes empty", func(t *testing.T) {
		t.Parallel()
		var routes []any
		getJSON(t, ts, "/v1/routes/physical", &routes)
		if len(routes) != 0 {
			t.Errorf("physical routes = %d, want 0", len(routes))
		}
	})

	t.Run("sessions", func(t *testing.T) {
		t.Parallel()
		var sv struct {
			Active        int `json:"active"`
			CachedReplies int `json:"cached_replies"`
		}
		getJSON(t, ts, "/v1/sessions", &sv)
		if sv.Active != 0 || sv.CachedReplies != 0 {
			t.Errorf("sessions = %+v", sv)
		}
	})

	t.Run("version", func(t *testing.T) {
		t.Parallel()
		var vi struct {
			Version string `json:"version"`
		}
		getJSON(t, ts, "/v1/version", &vi)
		if vi.Version == "" {
			t.Error("version missing")
		}
	})
}
