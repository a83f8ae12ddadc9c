// Package server assembles the HTTP surface: room management endpoints, the
// WebSocket attach points, health probes, and metrics.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coedit/hub/internal/api"
	"github.com/coedit/hub/internal/config"
	"github.com/coedit/hub/internal/metrics"
	"github.com/coedit/hub/internal/middleware"
	"github.com/coedit/hub/internal/store"
	"github.com/coedit/hub/internal/ws"
)

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	DB            *store.DB
	RoomHandler   *api.RoomHandler
	MemberHandler *api.MemberHandler
	WSHandler     *ws.Handler
	Metrics       *metrics.Metrics
	RateLimiter   *middleware.RateLimiter
	Logger        *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()

	registerRoutes(mux, deps)

	handler := chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
		// Read/write timeouts stay unset: WebSocket sessions outlive any
		// sane request deadline. Slow HTTP reads are bounded per handler.
		IdleTimeout: 60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// Health check - essential for docker, k8s, load balancers
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Ready check - verifies document store connectivity
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.Health(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","error":"document store unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	mux.Handle("GET /metrics", deps.Metrics.Handler())

	// =========================================================================
	// Room lifecycle
	// =========================================================================
	createRoom := http.HandlerFunc(deps.RoomHandler.CreateRoom)
	if deps.RateLimiter != nil {
		mux.Handle("POST /rooms", deps.RateLimiter.Middleware(createRoom))
	} else {
		mux.Handle("POST /rooms", createRoom)
	}
	mux.HandleFunc("GET /rooms/{key}", deps.RoomHandler.GetRoom)
	mux.HandleFunc("DELETE /rooms/{key}", deps.RoomHandler.DeleteRoom)
	mux.HandleFunc("POST /rooms/{key}/rotate-code", deps.RoomHandler.RotateJoinCode)

	// =========================================================================
	// Member moderation (owner only)
	// =========================================================================
	mux.HandleFunc("POST /rooms/{key}/bans/{principal}", deps.MemberHandler.BanMember)
	mux.HandleFunc("DELETE /rooms/{key}/bans/{principal}", deps.MemberHandler.UnbanMember)
	mux.HandleFunc("PUT /rooms/{key}/members/{principal}/role", deps.MemberHandler.SetMemberRole)

	// =========================================================================
	// Realtime attach points. /doc carries the document channel where raw
	// binary frames are accepted; /hub is the legacy alias.
	// =========================================================================
	mux.Handle("GET /doc", deps.WSHandler)
	mux.Handle("GET /hub", deps.WSHandler)
}
