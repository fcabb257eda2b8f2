package http

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires every route. Route names are the keys of
// config.EndpointSecurityConfig; an unnamed or unlisted route is refused by
// the auth middleware.
// metricsHandler may be nil when metrics are disabled.
func NewRouter(h *Handler, auth *AuthMiddleware, metricsPath string, metricsHandler http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware, auth.Middleware)

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet).Name("health")
	if metricsHandler != nil {
		r.Handle(metricsPath, metricsHandler).Methods(http.MethodGet).Name("metrics")
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/payouts", h.RequestPayout).Methods(http.MethodPost).Name("payout.request")
	api.HandleFunc("/payouts", h.ListPayouts).Methods(http.MethodGet).Name("payout.list")
	api.HandleFunc("/payouts/{id:[0-9]+}", h.GetPayout).Methods(http.MethodGet).Name("payout.get")
	api.HandleFunc("/payouts/{id:[0-9]+}/cancel", h.CancelPayout).Methods(http.MethodPost).Name("payout.cancel")
	api.HandleFunc("/wallet", h.GetWallet).Methods(http.MethodGet).Name("wallet.get")
	api.HandleFunc("/wallet/entries", h.ListEntries).Methods(http.MethodGet).Name("wallet.entries")

	internal := r.PathPrefix("/internal/v1").Subrouter()
	internal.HandleFunc("/wallets/{owner_type}/{owner_id:[0-9]+}/entries", h.RecordEntry).
		Methods(http.MethodPost).Name("internal.entries.record")

	return r
}
