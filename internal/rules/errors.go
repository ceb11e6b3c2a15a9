package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/allenhouchins/santa-2.0/internal/santactl"
)

var (
	ErrToolNotFound      = errors.New("santactl not found")
	ErrMandatoryRule     = errors.New("rule is required by santad and cannot be removed")
	ErrRowNotFound       = errors.New("row not found")
	ErrInvalidRowID      = errors.New("invalid row id")
	ErrUnknownRuleType   = errors.New("rule has an unknown type")
	ErrUpdateUnsupported = errors.New("update is not supported")
	ErrRefreshFailed     = errors.New("failed to refresh rules")
	ErrSchemaUnsupported = errors.New("rules table has no identifier column")
)

// ValidationError rejects an insert payload before santactl is invoked.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(reason string) error {
	return &ValidationError{Reason: reason}
}

// ToolError is a santactl run that failed: it exited non-zero, or (with Err
// set and ExitCode -1) it could not be started or did not finish.
type ToolError struct {
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	out := strings.TrimSpace(e.Output)
	msg := fmt.Sprintf("santactl exited with status %d", e.ExitCode)
	if e.Err != nil {
		msg = "santactl failed: " + e.Err.Error()
	}
	if out == "" {
		return msg
	}
	return msg + ": " + out
}

// Unwrap lets errors.Is(err, ErrMandatoryRule) see through a refusal to
// delete a required rule.
func (e *ToolError) Unwrap() error {
	if santactl.IsMandatoryRuleRefusal(e.Output) {
		return ErrMandatoryRule
	}
	return e.Err
}
