package tables

import (
	"context"
	"errors"
	"strconv"

	"github.com/allenhouchins/santa-2.0/internal/rules"
	"go.uber.org/zap"
)

// RulesTableName is the table backed by santad's rule database.
const RulesTableName = "santa_rules"

// RulesTable lists santa rules and forwards mutations to a rules.Coordinator.
type RulesTable struct {
	identity    *rules.IdentityMap
	coordinator *rules.Coordinator
	logger      *zap.Logger
}

// NewRulesTable creates the santa_rules table.
func NewRulesTable(identity *rules.IdentityMap, coordinator *rules.Coordinator, logger *zap.Logger) *RulesTable {
	return &RulesTable{
		identity:    identity,
		coordinator: coordinator,
		logger:      logger,
	}
}

func (t *RulesTable) Name() string { return RulesTableName }

func (t *RulesTable) Columns() []Column {
	return []Column{
		{Name: "rowid", Type: "INTEGER"},
		{Name: "identifier", Type: "TEXT"},
		{Name: "state", Type: "TEXT"},
		{Name: "type", Type: "TEXT"},
		{Name: "custom_message", Type: "TEXT"},
	}
}

// Generate refreshes from the database and lists every rule. When the
// refresh fails the result is the single row {"status":"failure"} so callers
// can tell a sync problem from an empty rule set.
func (t *RulesTable) Generate(ctx context.Context) ([]Row, error) {
	rows, err := t.identity.Load(ctx)
	if err != nil {
		return []Row{failureRow("")}, err
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, Row{
			"rowid":          strconv.FormatUint(uint64(r.RowID), 10),
			"identifier":     r.Identifier,
			"state":          r.State.String(),
			"type":           r.Type.String(),
			"custom_message": r.CustomMessage,
		})
	}
	return out, nil
}

func (t *RulesTable) Insert(ctx context.Context, payload string) (Row, error) {
	row, err := t.coordinator.Insert(ctx, payload)
	if err != nil {
		return failureRow(statusMessage(err)), err
	}
	return successRow(row.RowID), nil
}

func (t *RulesTable) Delete(ctx context.Context, rowID string) (Row, error) {
	if err := t.coordinator.Delete(ctx, rowID); err != nil {
		return failureRow(statusMessage(err)), err
	}
	return successStatus(), nil
}

func (t *RulesTable) Update(ctx context.Context, rowID, payload string) (Row, error) {
	err := t.coordinator.Update(ctx, rowID, payload)
	return failureRow(statusMessage(err)), err
}

// statusMessage is the human-readable message put in a failure status row.
func statusMessage(err error) string {
	var verr *rules.ValidationError
	var terr *rules.ToolError
	switch {
	case errors.As(err, &verr):
		return verr.Reason
	case errors.Is(err, rules.ErrMandatoryRule):
		return "A required rule cannot be removed"
	case errors.As(err, &terr):
		return terr.Error()
	default:
		return err.Error()
	}
}
