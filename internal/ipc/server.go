package ipc

import (
	"context"
	"net/http"
)

// Server wraps an HTTP server with engine-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	srv := &http.Server{
		Addr:    listenAddr,
		Handler: corsMiddleware(NewMux(h)),
	}
	return &Server{httpServer: srv}
}

// NewMux builds the API routing table.
func NewMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Task endpoints.
	mux.HandleFunc("POST /api/v1/tasks", h.SubmitTask)
	mux.HandleFunc("GET /api/v1/tasks", h.ListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}", h.GetTask)
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/retry", h.RetryTask)
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/cancel", h.CancelTask)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/attempts", h.ListAttempts)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/events", h.ListEvents)

	// Decision endpoints.
	mux.HandleFunc("GET /api/v1/decisions", h.ListDecisions)
	mux.HandleFunc("POST /api/v1/decisions/{decisionID}", h.ResolveDecision)

	// Knowledge endpoints.
	mux.HandleFunc("GET /api/v1/knowledge", h.QueryKnowledge)
	mux.HandleFunc("GET /api/v1/knowledge/{artifactID}", h.GetArtifact)
	mux.HandleFunc("POST /api/v1/knowledge/{artifactID}/approve", h.ApproveArtifact)
	mux.HandleFunc("POST /api/v1/knowledge/{artifactID}/reject", h.RejectArtifact)

	// Baseline endpoints.
	mux.HandleFunc("GET /api/v1/baseline", h.GetBaseline)
	mux.HandleFunc("POST /api/v1/baseline/refresh", h.RefreshBaseline)

	return mux
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local operator UI access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
