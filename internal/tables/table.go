// Package tables exposes santa decisions and rules as named relational
// tables with string-valued rows.
package tables

import (
	"context"
	"sort"
	"strconv"
)

// Row is one table row keyed by column name.
type Row map[string]string

// Column describes one table column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"` // "TEXT" or "INTEGER"
}

// Table is a read-only table.
type Table interface {
	Name() string
	Columns() []Column
	Generate(ctx context.Context) ([]Row, error)
}

// WritableTable also accepts row mutations. Each method returns a status row
// ({"status":"success","id":N} or {"status":"failure","message":...}) along
// with the error that caused a failure.
type WritableTable interface {
	Table
	Insert(ctx context.Context, payload string) (Row, error)
	Delete(ctx context.Context, rowID string) (Row, error)
	Update(ctx context.Context, rowID, payload string) (Row, error)
}

func successRow(id uint32) Row {
	return Row{"status": "success", "id": strconv.FormatUint(uint64(id), 10)}
}

func successStatus() Row {
	return Row{"status": "success"}
}

func failureRow(message string) Row {
	r := Row{"status": "failure"}
	if message != "" {
		r["message"] = message
	}
	return r
}

// Registry looks tables up by name.
type Registry struct {
	tables map[string]Table
}

// NewRegistry creates a registry holding tables.
func NewRegistry(tables ...Table) *Registry {
	r := &Registry{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		r.tables[t.Name()] = t
	}
	return r
}

// Get returns the table called name.
func (r *Registry) Get(name string) (Table, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// List returns every table sorted by name.
func (r *Registry) List() []Table {
	out := make([]Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
