package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/allenhouchins/santa-2.0/internal/storage"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListMutations(w http.ResponseWriter, r *http.Request) {
	if d.Audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	params := storage.ListMutationsParams{
		Limit: storage.ClampLimit(queryInt(q, "limit", storage.DefaultListLimit)),
	}
	if v := q.Get("operation"); v != "" {
		params.Operation = &v
	}
	if v := q.Get("status"); v != "" {
		params.Status = &v
	}

	rows, err := d.Audit.ListMutations(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list mutations", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list mutations"})
		return
	}
	if rows == nil {
		rows = []storage.MutationRow{}
	}
	writeJSON(w, http.StatusOK, MutationListResp{Mutations: rows, Limit: params.Limit})
}

// queryInt parses an integer query parameter, returning def when absent or invalid.
func queryInt(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
