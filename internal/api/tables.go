package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/allenhouchins/santa-2.0/internal/rules"
	"github.com/allenhouchins/santa-2.0/internal/santactl"
	"github.com/allenhouchins/santa-2.0/internal/tables"
	"go.uber.org/zap"
)

// maxInsertBody bounds an insert payload; a rule is four short strings.
const maxInsertBody = 64 << 10

func (d *Dependencies) handleListTables(w http.ResponseWriter, _ *http.Request) {
	resp := TableListResp{Tables: []TableResp{}}
	for _, t := range d.Tables.List() {
		_, writable := t.(tables.WritableTable)
		resp.Tables = append(resp.Tables, TableResp{
			Name:     t.Name(),
			Columns:  t.Columns(),
			Writable: writable,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGenerate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("table")
	t, ok := d.Tables.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Table not found"})
		return
	}

	rows, err := t.Generate(r.Context())
	if rows == nil {
		rows = []tables.Row{}
	}
	status := http.StatusOK
	if err != nil {
		d.Logger.Warn("table generate failed", zap.String("table", name), zap.Error(err))
		status = statusFor(err)
	}
	writeJSON(w, status, RowsResp{Table: name, Rows: rows})
}

func (d *Dependencies) handleInsert(w http.ResponseWriter, r *http.Request) {
	t, ok := d.writableTable(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInsertBody))
	_ = r.Body.Close()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Failed to read request body"})
		return
	}

	row, err := t.Insert(r.Context(), string(body))
	d.writeStatus(w, r, "insert", row, err)
}

func (d *Dependencies) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, ok := d.writableTable(w, r)
	if !ok {
		return
	}
	row, err := t.Delete(r.Context(), r.PathValue("rowid"))
	d.writeStatus(w, r, "delete", row, err)
}

func (d *Dependencies) handleUpdate(w http.ResponseWriter, r *http.Request) {
	t, ok := d.writableTable(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInsertBody))
	_ = r.Body.Close()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Failed to read request body"})
		return
	}
	row, err := t.Update(r.Context(), r.PathValue("rowid"), string(body))
	d.writeStatus(w, r, "update", row, err)
}

// writableTable resolves {table} and rejects read-only tables.
func (d *Dependencies) writableTable(w http.ResponseWriter, r *http.Request) (tables.WritableTable, bool) {
	t, ok := d.Tables.Get(r.PathValue("table"))
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Table not found"})
		return nil, false
	}
	wt, ok := t.(tables.WritableTable)
	if !ok {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResp{Detail: "Table is read-only"})
		return nil, false
	}
	return wt, true
}

func (d *Dependencies) writeStatus(w http.ResponseWriter, r *http.Request, op string, row tables.Row, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, row)
		return
	}
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("table", r.PathValue("table")),
		zap.Error(err),
	}
	if p := principalFromContext(r.Context()); p != nil {
		fields = append(fields, zap.String("key_id", p.KeyID))
	}
	d.Logger.Info("table mutation rejected", fields...)
	writeJSON(w, statusFor(err), row)
}

// statusFor maps table errors to HTTP status codes.
func statusFor(err error) int {
	var verr *rules.ValidationError
	var terr *rules.ToolError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rules.ErrInvalidRowID), errors.Is(err, rules.ErrRowNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrMandatoryRule):
		return http.StatusConflict
	case errors.Is(err, rules.ErrUnknownRuleType):
		return http.StatusConflict
	case errors.Is(err, rules.ErrToolNotFound), errors.As(err, &terr), errors.Is(err, santactl.ErrTimeout):
		return http.StatusBadGateway
	case errors.Is(err, rules.ErrRefreshFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, rules.ErrUpdateUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
