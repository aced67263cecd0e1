// Package health serves the node's /healthz endpoint.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/logger"
)

// Reporter is the view of a node the health endpoint needs.
type Reporter interface {
	Connected() bool
	State() string
	Workers() int
}

// Server provides HTTP health check endpoints for a node.
type Server struct {
	node Reporter
	log  *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new health check server.
func NewServer(node Reporter, log *zap.Logger) *Server {
	return &Server{
		node: node,
		log:  logger.Or(log, "health"),
	}
}

// Start listens on port (0 picks a free one) and serves in the background.
func (h *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen for health checks: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	h.mu.Lock()
	h.listener, h.server = ln, server
	h.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("health server error", zap.Error(err))
		}
	}()
	h.log.Info("health server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the listening address, or "" before Start.
func (h *Server) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Shutdown gracefully shuts down the health check server.
func (h *Server) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK while the control subscription is live, 503 otherwise.
func (h *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := Response{
		Status:  "healthy",
		Broker:  "connected",
		State:   h.node.State(),
		Workers: h.node.Workers(),
	}
	code := http.StatusOK
	if !h.node.Connected() {
		response.Status = "unhealthy"
		response.Broker = "disconnected"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Debug("failed to write health response", zap.Error(err))
	}
}

// Response is the JSON response structure for health checks.
type Response struct {
	Status  string `json:"status"`
	Broker  string `json:"broker"`
	State   string `json:"state"`
	Workers int    `json:"workers"`
}
