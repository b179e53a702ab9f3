// Package server implements the daemon's admin HTTP API: router
// status, routing-table snapshots, and session counters, served as
// JSON for gofabricctl and monitoring.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dantte-lp/gofabric/internal/router"
	appversion "github.com/dantte-lp/gofabric/internal/version"
)

// requestTimeout bounds admin request handling.
const requestTimeout = 30 * time.Second

// AdminServer serves the admin API for one router.
type AdminServer struct {
	r      *router.Router
	mux    *chi.Mux
	logger *slog.Logger
}

// New builds the admin server and its route tree.
func New(r *router.Router, logger *slog.Logger) *AdminServer {
	s := &AdminServer{
		r:      r,
		mux:    chi.NewRouter(),
		logger: logger.With(slog.String("component", "admin")),
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler for mounting.
func (s *AdminServer) Handler() http.Handler { return s.mux }

// setupRoutes configures the admin route tree.
func (s *AdminServer) setupRoutes() {
	s.mux.Use(middleware.RequestID)
	s.mux.Use(middleware.RealIP)
	s.mux.Use(middleware.Recoverer)
	s.mux.Use(middleware.Timeout(requestTimeout))

	s.mux.Get("/health", s.handleHealth)

	s.mux.Route("/v1", func(v1 chi.Router) {
		v1.Get("/status", s.handleStatus)
		v1.Get("/version", s.handleVersion)
		v1.Get("/routes/physical", s.handlePhysicalRoutes)
		v1.Get("/routes/logical", s.handleLogicalRoutes)
		v1.Get("/sessions", s.handleSessions)
	})
}

// writeJSON renders a response body.
func (s *AdminServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("response encode failed", slog.String("error", err.Error()))
	}
}

// handleHealth reports liveness.
func (s *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports the router status snapshot.
func (s *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.r.StatusSnapshot())
}

// handleVersion reports build information.
func (s *AdminServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, appversion.Get())
}

// physicalRouteView is the wire form of a physical route.
type physicalRouteView struct {
	RouterEP     string    `json:"router_ep"`
	Capabilities uint32    `json:"capabilities"`
	LogicalSetID string    `json:"logical_set_id"`
	UdpEP        string    `json:"udp_ep,omitempty"`
	TcpEP        string    `json:"tcp_ep,omitempty"`
	LastHeard    time.Time `json:"last_heard"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// handlePhysicalRoutes snapshots the physical routing table.
func (s *AdminServer) handlePhysicalRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := s.r.PhysicalRoutes()
	out := make([]physicalRouteView, 0, len(routes))
	for _, pr := range routes {
		view := physicalRouteView{
			RouterEP:     pr.RouterEP.String(),
			Capabilities: uint32(pr.Caps),
			LogicalSetID: pr.LogicalSetID.String(),
			LastHeard:    pr.LastHeard,
			ExpiresAt:    pr.ExpiresAt,
		}
		if pr.UdpEP.IsValid() {
			view.UdpEP = pr.UdpEP.String()
		}
		if pr.TcpEP.IsValid() {
			view.TcpEP = pr.TcpEP.String()
		}
		out = append(out, view)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// logicalRouteView is the wire form of a logical route.
type logicalRouteView struct {
	Pattern  string `json:"pattern"`
	Local    bool   `json:"local"`
	RouterEP string `json:"router_ep,omitempty"`
	Distance string `json:"distance"`
}

// handleLogicalRoutes snapshots the logical routing table.
func (s *AdminServer) handleLogicalRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := s.r.LogicalRoutes()
	out := make([]logicalRouteView, 0, len(routes))
	for _, lr := range routes {
		view := logicalRouteView{
			Pattern:  lr.Pattern.String(),
			Local:    lr.IsLocal(),
			Distance: lr.Distance.String(),
		}
		if !lr.IsLocal() && lr.Physical != nil {
			view.RouterEP = lr.Physical.RouterEP.String()
		}
		out = append(out, view)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// sessionsView summarizes the session layer.
type sessionsView struct {
	Active        int `json:"active"`
	CachedReplies int `json:"cached_replies"`
}

// handleSessions reports session-layer counters.
func (s *AdminServer) handleSessions(w http.ResponseWriter, _ *http.Request) {
	mgr := s.r.Sessions()
	s.writeJSON(w, http.StatusOK, sessionsView{
		Active:        mgr.Active(),
		CachedReplies: mgr.CachedReplyCount(),
	})
}
