package tables

import (
	"context"

	"github.com/allenhouchins/santa-2.0/internal/decisionlog"
	"go.uber.org/zap"
)

const (
	AllowedTableName = "santa_allowed"
	DeniedTableName  = "santa_denied"
)

// DecisionsTable lists decisions of one class from the santad log.
type DecisionsTable struct {
	name   string
	engine *decisionlog.Engine
	class  decisionlog.Class
	logger *zap.Logger
}

// NewAllowedTable creates santa_allowed.
func NewAllowedTable(engine *decisionlog.Engine, logger *zap.Logger) *DecisionsTable {
	return &DecisionsTable{name: AllowedTableName, engine: engine, class: decisionlog.ClassAllowed, logger: logger}
}

// NewDeniedTable creates santa_denied.
func NewDeniedTable(engine *decisionlog.Engine, logger *zap.Logger) *DecisionsTable {
	return &DecisionsTable{name: DeniedTableName, engine: engine, class: decisionlog.ClassDenied, logger: logger}
}

func (t *DecisionsTable) Name() string { return t.name }

func (t *DecisionsTable) Columns() []Column {
	return []Column{
		{Name: "timestamp", Type: "TEXT"},
		{Name: "path", Type: "TEXT"},
		{Name: "shasum", Type: "TEXT"},
		{Name: "reason", Type: "TEXT"},
	}
}

// Generate never fails: a log read error is logged and yields zero rows.
func (t *DecisionsTable) Generate(ctx context.Context) ([]Row, error) {
	events, err := t.engine.Scrape(ctx, t.class)
	if err != nil {
		t.logger.Error("failed to read decision log",
			zap.String("table", t.name),
			zap.Error(err),
		)
		return []Row{}, nil
	}

	rows := make([]Row, 0, len(events))
	for _, ev := range events {
		rows = append(rows, Row{
			"timestamp": ev.Timestamp,
			"path":      ev.Path,
			"shasum":    ev.SHA256,
			"reason":    ev.Reason,
		})
	}
	return rows, nil
}
