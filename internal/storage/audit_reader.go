package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// AuditReader provides read access to the rule_mutation_events table.
type AuditReader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewAuditReader opens a ClickHouse connection for read queries.
func NewAuditReader(dsn string, logger *zap.Logger) (*AuditReader, error) {
	conn, err := openClickHouse(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewAuditReader: %w", err)
	}
	return &AuditReader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *AuditReader) Close() error {
	return r.conn.Close()
}

// MutationRow is a single row from rule_mutation_events.
type MutationRow struct {
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	Operation   string    `json:"operation"`
	RowID       string    `json:"row_id"`
	Identifier  string    `json:"identifier"`
	RuleType    string    `json:"rule_type"`
	RuleState   string    `json:"rule_state"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Provisional bool      `json:"provisional"`
	LatencyMs   float32   `json:"latency_ms"`
}

// ListMutationsParams holds filters for mutation listing.
type ListMutationsParams struct {
	Operation *string
	Status    *string
	Limit     int
}

// ClampLimit bounds a caller-supplied limit to [1, MaxListLimit], using
// DefaultListLimit for non-positive values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// ListMutations returns the most recent mutation events, newest first.
func (r *AuditReader) ListMutations(ctx context.Context, params ListMutationsParams) ([]MutationRow, error) {
	conditions := []string{"1 = 1"}
	var args []any

	if params.Operation != nil {
		conditions = append(conditions, "operation = @operation")
		args = append(args, clickhouse.Named("operation", *params.Operation))
	}
	if params.Status != nil {
		conditions = append(conditions, "status = @status")
		args = append(args, clickhouse.Named("status", *params.Status))
	}
	args = append(args, clickhouse.Named("limit", uint32(ClampLimit(params.Limit))))

	query := fmt.Sprintf(
		"SELECT request_id, timestamp, operation, row_id, identifier, rule_type, rule_state, "+
			"status, message, provisional, latency_ms "+
			"FROM rule_mutation_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit",
		strings.Join(conditions, " AND "),
	)

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListMutations query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []MutationRow
	for rows.Next() {
		var (
			e           MutationRow
			provisional uint8
		)
		if err := rows.Scan(
			&e.RequestID, &e.Timestamp, &e.Operation, &e.RowID,
			&e.Identifier, &e.RuleType, &e.RuleState,
			&e.Status, &e.Message, &provisional, &e.LatencyMs,
		); err != nil {
			return nil, fmt.Errorf("ListMutations scan: %w", err)
		}
		e.Provisional = provisional == 1
		events = append(events, e)
	}

	return events, rows.Err()
}
