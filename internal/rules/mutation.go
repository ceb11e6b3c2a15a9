package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/allenhouchins/santa-2.0/internal/metrics"
	"github.com/allenhouchins/santa-2.0/internal/santactl"
	"github.com/allenhouchins/santa-2.0/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Coordinator applies rule changes through santactl and reconciles the
// identity map with the database afterwards. santactl offers no transaction,
// so every mutation is: validate, invoke, refresh, reconcile. The identity
// map's lock is held for the whole sequence.
type Coordinator struct {
	identity *IdentityMap
	runner   santactl.Runner
	toolPath string
	audit    storage.EventWriter
	logger   *zap.Logger

	// exists is santactl.Exists outside tests.
	exists func(path string) bool
}

// NewCoordinator creates a Coordinator. audit may be nil.
func NewCoordinator(identity *IdentityMap, runner santactl.Runner, toolPath string, audit storage.EventWriter, logger *zap.Logger) *Coordinator {
	if toolPath == "" {
		toolPath = santactl.DefaultPath
	}
	return &Coordinator{
		identity: identity,
		runner:   runner,
		toolPath: toolPath,
		audit:    audit,
		logger:   logger,
		exists:   santactl.Exists,
	}
}

// Insert validates payload, asks santactl to add the rule and returns the row
// it is exposed under. When santactl reports success but the refreshed
// snapshot does not show the rule yet, a provisional row is synthesized.
// If the refresh itself fails the rule is already applied, but the error
// wraps ErrRefreshFailed and no row is returned.
func (c *Coordinator) Insert(ctx context.Context, payload string) (Row, error) {
	start := time.Now()
	ev := &storage.MutationEvent{Operation: "insert"}

	req, err := ParseInsert(payload)
	if err != nil {
		c.finish(ev, start, err)
		return Row{}, err
	}
	ev.Identifier = req.Identifier
	ev.RuleType = req.Type.String()
	ev.RuleState = req.State.String()

	c.identity.mu.Lock()
	defer c.identity.mu.Unlock()

	args := santactl.AddArgs(req.State == StateAllow, req.Identifier, req.Type.String(), req.Message)
	if err := c.invoke(ctx, args); err != nil {
		err = fmt.Errorf("Insert: %w", err)
		c.finish(ev, start, err)
		return Row{}, err
	}

	if err := c.identity.refreshLocked(ctx); err != nil {
		err = fmt.Errorf("Insert: santactl applied the rule but %w", err)
		c.finish(ev, start, err)
		return Row{}, err
	}

	rec := req.Record()
	rowID, found := c.identity.findLocked(rec)
	if !found {
		rowID = c.identity.synthesizeLocked(rec)
		ev.Provisional = true
		c.logger.Info("inserted rule not yet visible in database, using provisional row",
			zap.String("key", rec.PrimaryKey()),
			zap.Uint32("row_id", rowID),
		)
	}
	row, _ := c.identity.lookupLocked(rowID)

	ev.RowID = strconv.FormatUint(uint64(rowID), 10)
	c.finish(ev, start, nil)
	return row, nil
}

// Delete removes the rule exposed under rowID. A refresh failure after
// santactl succeeded is reported as ErrRefreshFailed; the previous
// generation, including the removed row, stays visible until the next
// successful refresh.
func (c *Coordinator) Delete(ctx context.Context, rowID string) error {
	start := time.Now()
	ev := &storage.MutationEvent{Operation: "delete", RowID: rowID}

	id, err := ParseRowID(rowID)
	if err != nil {
		c.finish(ev, start, err)
		return err
	}

	c.identity.mu.Lock()
	defer c.identity.mu.Unlock()

	row, ok := c.identity.lookupLocked(id)
	if !ok {
		err := fmt.Errorf("Delete %d: %w", id, ErrRowNotFound)
		c.finish(ev, start, err)
		return err
	}
	ev.Identifier = row.Identifier
	ev.RuleType = row.Type.String()
	ev.RuleState = row.State.String()

	if row.Type == RuleTypeUnknown {
		err := fmt.Errorf("Delete %d: %w", id, ErrUnknownRuleType)
		c.finish(ev, start, err)
		return err
	}

	if err := c.invoke(ctx, santactl.RemoveArgs(row.Identifier, row.Type.String())); err != nil {
		err = fmt.Errorf("Delete %d: %w", id, err)
		c.finish(ev, start, err)
		return err
	}

	if err := c.identity.refreshLocked(ctx); err != nil {
		err = fmt.Errorf("Delete %d: santactl removed the rule but %w", id, err)
		c.finish(ev, start, err)
		return err
	}

	c.finish(ev, start, nil)
	return nil
}

// Update always fails: santactl cannot modify a rule in place.
func (c *Coordinator) Update(ctx context.Context, rowID, payload string) error {
	ev := &storage.MutationEvent{Operation: "update", RowID: rowID}
	c.finish(ev, time.Now(), ErrUpdateUnsupported)
	return ErrUpdateUnsupported
}

// ParseRowID parses a decimal row ID. Signs, whitespace and trailing
// characters are rejected.
func ParseRowID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRowID, s)
	}
	return uint32(id), nil
}

// invoke runs santactl with args. A missing tool, a failed start and a
// non-zero exit are all errors.
func (c *Coordinator) invoke(ctx context.Context, args []string) error {
	if !c.exists(c.toolPath) {
		return fmt.Errorf("%w at %s", ErrToolNotFound, c.toolPath)
	}

	c.logger.Debug("running santactl",
		zap.String("path", c.toolPath),
		zap.Strings("args", args),
	)
	out, err := c.runner.Run(ctx, c.toolPath, args)
	if err != nil {
		return &ToolError{ExitCode: -1, Output: out.Stdout, Err: err}
	}
	if out.ExitCode != 0 {
		return &ToolError{ExitCode: out.ExitCode, Output: out.Stdout}
	}
	return nil
}

// finish records metrics and the audit event for one mutation.
func (c *Coordinator) finish(ev *storage.MutationEvent, start time.Time, err error) {
	ev.RequestID = uuid.NewString()
	ev.Timestamp = start.UTC()
	ev.LatencyMs = float32(time.Since(start).Microseconds()) / 1000
	ev.Status = "success"
	if err != nil {
		ev.Status = "failure"
		ev.Message = storage.TruncateMessage(err.Error(), storage.MessagePreviewLength)
	}

	metrics.RuleMutationsTotal.WithLabelValues(ev.Operation, outcome(err)).Inc()

	if err != nil {
		c.logger.Info("rule mutation failed",
			zap.String("request_id", ev.RequestID),
			zap.String("operation", ev.Operation),
			zap.String("row_id", ev.RowID),
			zap.String("reason", outcome(err)),
			zap.Error(err),
		)
	}
	if c.audit != nil {
		c.audit.Write(ev)
	}
}

// outcome labels err for metrics.
func outcome(err error) string {
	var verr *ValidationError
	var terr *ToolError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &verr):
		return "invalid"
	case errors.Is(err, ErrMandatoryRule):
		return "mandatory_rule"
	case errors.Is(err, ErrToolNotFound):
		return "tool_not_found"
	case errors.As(err, &terr):
		return "tool_failure"
	case errors.Is(err, ErrInvalidRowID), errors.Is(err, ErrRowNotFound):
		return "not_found"
	case errors.Is(err, ErrUpdateUnsupported):
		return "unsupported"
	case errors.Is(err, ErrRefreshFailed):
		return "refresh_failed"
	default:
		return "error"
	}
}
