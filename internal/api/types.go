package api

import (
	"github.com/allenhouchins/santa-2.0/internal/storage"
	"github.com/allenhouchins/santa-2.0/internal/tables"
)

// TableResp describes one table for GET /v1/tables.
type TableResp struct {
	Name     string          `json:"name"`
	Columns  []tables.Column `json:"columns"`
	Writable bool            `json:"writable"`
}

// TableListResp is the body of GET /v1/tables.
type TableListResp struct {
	Tables []TableResp `json:"tables"`
}

// RowsResp is the body of GET /v1/tables/{table}.
type RowsResp struct {
	Table string       `json:"table"`
	Rows  []tables.Row `json:"rows"`
}

// MutationListResp is the body of GET /v1/audit/mutations.
type MutationListResp struct {
	Mutations []storage.MutationRow `json:"mutations"`
	Limit     int                   `json:"limit"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
