// Package observability exposes the HTTP health endpoint every process
// serves for supervisors and load checks.
package observability

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// HealthChecker serves /healthz. A process is healthy once its transport
// is up and until shutdown begins.
type HealthChecker struct {
	httpServer     *http.Server
	logger         *zap.Logger
	mu             sync.RWMutex
	ready          bool
	transportReady bool
	usesTransport  bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		logger: logger,
		ready:  true,
	}
}

// StartHTTPServer starts the HTTP health check server
func (h *HealthChecker) StartHTTPServer(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)

	h.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	h.logger.Info("starting HTTP health server", zap.String("addr", addr))
	return h.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the health checker
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.mu.Unlock()

	if h.httpServer != nil {
		return h.httpServer.Shutdown(ctx)
	}
	return nil
}

// SetTransportReady records whether the process's upstream connection is
// established. Processes that never dial upstream skip this.
func (h *HealthChecker) SetTransportReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transportReady = ready
	h.usesTransport = true
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	transportReady := h.transportReady
	usesTransport := h.usesTransport
	h.mu.RUnlock()

	if ready && (!usesTransport || transportReady) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT_READY"))
	}
}
