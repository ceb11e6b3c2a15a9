package api

import (
	"context"
	"net/http"

	"github.com/allenhouchins/santa-2.0/internal/auth"
	"github.com/allenhouchins/santa-2.0/internal/storage"
	"github.com/allenhouchins/santa-2.0/internal/tables"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MutationLister reads back the rule mutation audit trail.
type MutationLister interface {
	ListMutations(ctx context.Context, params storage.ListMutationsParams) ([]storage.MutationRow, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Tables *tables.Registry
	Auth   auth.Authenticator
	Audit  MutationLister // nil if ClickHouse unavailable
	Logger *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Reads (no auth)
	mux.HandleFunc("GET /v1/tables", deps.handleListTables)
	mux.HandleFunc("GET /v1/tables/{table}", deps.handleGenerate)

	// Rule mutations (auth required via Bearer sgk_ token)
	mux.HandleFunc("POST /v1/tables/{table}", deps.authMiddleware(deps.handleInsert))
	mux.HandleFunc("DELETE /v1/tables/{table}/{rowid}", deps.authMiddleware(deps.handleDelete))
	mux.HandleFunc("PATCH /v1/tables/{table}/{rowid}", deps.authMiddleware(deps.handleUpdate))

	// Audit trail
	mux.HandleFunc("GET /v1/audit/mutations", deps.handleListMutations)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
