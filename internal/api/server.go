package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/upmon/upmon/internal/service"
)

// Server wraps the HTTP server and mux for the upmon API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes.
func NewServer(port int, adminToken string, cp *service.ControlPlane, apiMaxBodyBytes int64) *Server {
	return NewServerWithAddress("", port, adminToken, cp, apiMaxBodyBytes)
}

// NewServerWithAddress creates a new API server with an explicit listen address.
func NewServerWithAddress(
	listenAddress string,
	port int,
	adminToken string,
	cp *service.ControlPlane,
	apiMaxBodyBytes int64,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("GET /api/v1/system/status", HandleSystemStatus(cp))

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(cp.Info))

	// Nodes. Every node route is tenant-scoped through UserMiddleware.
	tenant := http.NewServeMux()
	tenant.Handle("GET /api/v1/nodes", HandleListNodes(cp))
	tenant.Handle("POST /api/v1/nodes", HandleCreateNode(cp))
	tenant.Handle("GET /api/v1/nodes/{id}", HandleGetNode(cp))
	tenant.Handle("PATCH /api/v1/nodes/{id}", HandleUpdateNode(cp))
	tenant.Handle("DELETE /api/v1/nodes/{id}", HandleDeleteNode(cp))
	tenant.Handle("POST /api/v1/nodes/{id}/actions/pause", HandlePauseNode(cp))
	tenant.Handle("POST /api/v1/nodes/{id}/actions/resume", HandleResumeNode(cp))
	tenant.Handle("POST /api/v1/nodes/{id}/actions/test", HandleTestNode(cp))
	tenant.Handle("POST /api/v1/test-connection", HandleTestConnection(cp))
	tenant.Handle("GET /api/v1/dashboard", HandleDashboard(cp))
	authed.Handle("/api/v1/", UserMiddleware(tenant))

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
