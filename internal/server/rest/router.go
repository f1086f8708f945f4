package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/proveniq/inspectvault/internal/logging"
)

// NewRouter mounts the health endpoints unauthenticated and every /v1 route
// behind bearer authentication.
func NewRouter(h *Handler, health *HealthHandler, secret []byte, logger logging.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(Metrics())
	r.Use(RequestLogger(logger))

	r.Get("/health/live", health.Live)
	r.Get("/health/ready", health.Ready)
	r.Get("/metrics", health.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Use(Authenticate(secret))

		r.Post("/inspections", h.createInspection)
		r.Route("/inspections/{id}", func(r chi.Router) {
			r.Get("/", h.getInspection)
			r.Get("/items", h.listItems)
			r.Post("/items", h.upsertItem)
			r.Post("/evidence/presign", h.presign)
			r.Post("/evidence/confirm", h.confirm)
			r.Get("/evidence", h.listEvidence)
			r.Get("/evidence/{evidenceId}/download", h.downloadEvidence)
			r.Post("/submit", h.submit)
			r.Post("/sign", h.sign)
			r.Post("/supplemental", h.createSupplemental)
			r.Get("/supplementals", h.listSupplementals)
			r.Get("/verify", h.verify)
			r.Get("/audit", h.listAudit)
		})

		r.Route("/leases/{leaseId}", func(r chi.Router) {
			r.Get("/diff", h.leaseDiff)
			r.Get("/diff/estimate", h.estimate)
			r.Get("/claim-packet", h.claimPacket)
		})

		r.Get("/diff", h.pairDiff)
		r.Get("/diff/estimate", h.estimate)
		r.Get("/claim-packet", h.claimPacket)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, CodeNotFound, notFoundMessage)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	return r
}
