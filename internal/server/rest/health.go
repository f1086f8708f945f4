package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler serves liveness, readiness and Prometheus metrics.
type HealthHandler struct {
	db          Pinger
	timeout     time.Duration
	promHandler http.Handler
}

func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{
		db:          db,
		timeout:     2 * time.Second,
		promHandler: promhttp.Handler(),
	}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Live reports that the process is serving.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready pings the database and answers 503 when it is unreachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    map[string]string{"postgresql": "ok"},
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if h.db == nil {
		resp.Status, resp.Checks["postgresql"] = "fail", "not initialized"
		status = http.StatusServiceUnavailable
	} else if err := h.db.PingContext(ctx); err != nil {
		resp.Status, resp.Checks["postgresql"] = "fail", err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}
