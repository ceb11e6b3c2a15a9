package rules

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/allenhouchins/santa-2.0/internal/santactl"
	"go.uber.org/zap"
)

const testToolPath = "/usr/local/bin/santactl"

func newTestCoordinator(t *testing.T, c *fakeCollector, r *fakeRunner) (*Coordinator, *IdentityMap, *recordingWriter) {
	t.Helper()
	m := NewIdentityMap(c, zap.NewNop())
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	w := &recordingWriter{}
	co := NewCoordinator(m, r, testToolPath, w, zap.NewNop())
	co.exists = func(string) bool { return true }
	return co, m, w
}

func TestCoordinator_InsertVisibleAfterRefresh(t *testing.T) {
	c := &fakeCollector{}
	c.set(ruleB)
	newRule := Record{Identifier: validSHA, Type: RuleTypeBinary, State: StateAllow, CustomMessage: "ok"}
	r := &fakeRunner{onRun: func([]string) { c.set(ruleB, newRule) }}
	co, _, w := newTestCoordinator(t, c, r)

	row, err := co.Insert(context.Background(), `["`+validSHA+`", "allow", "binary", "ok"]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.RowID != 1 || row.Provisional {
		t.Errorf("expected real row 1, got %+v", row)
	}

	wantArgs := []string{"rule", "--allow", "--identifier", validSHA, "--message", "ok"}
	if len(r.calls) != 1 || !reflect.DeepEqual(r.calls[0], wantArgs) {
		t.Errorf("unexpected santactl calls %v", r.calls)
	}

	ev := w.last()
	if ev == nil || ev.Status != "success" || ev.Operation != "insert" || ev.RowID != "1" || ev.Provisional {
		t.Errorf("unexpected audit event %+v", ev)
	}
	if ev.RequestID == "" {
		t.Error("expected request id")
	}
}

func TestCoordinator_InsertNotYetVisibleIsSynthesized(t *testing.T) {
	c := &fakeCollector{}
	c.set(ruleA)
	r := &fakeRunner{}
	co, m, w := newTestCoordinator(t, c, r)

	row, err := co.Insert(context.Background(), `["`+validSHA+`", "block", "certificate", null]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !row.Provisional {
		t.Error("expected provisional row")
	}
	if row.Type != RuleTypeCertificate || row.State != StateBlock {
		t.Errorf("unexpected synthesized row %+v", row)
	}
	if got, ok := m.Lookup(row.RowID); !ok || !got.Provisional {
		t.Errorf("expected synthesized row to be visible, got %+v", got)
	}
	if ev := w.last(); !ev.Provisional {
		t.Error("audit event should be flagged provisional")
	}

	// The store catches up; the next refresh shows the real rule and drops the
	// provisional flag.
	c.set(ruleA, Record{Identifier: validSHA, Type: RuleTypeCertificate, State: StateBlock})
	rows, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %v", rows)
	}
	for _, r := range rows {
		if r.Provisional {
			t.Errorf("row %d still provisional after refresh", r.RowID)
		}
	}
}

func TestCoordinator_InsertWrongStateIsNotAMatch(t *testing.T) {
	c := &fakeCollector{}
	existing := Record{Identifier: validSHA, Type: RuleTypeBinary, State: StateBlock}
	c.set(existing)
	r := &fakeRunner{}
	co, _, _ := newTestCoordinator(t, c, r)

	// santactl succeeded but the snapshot still shows the old state.
	row, err := co.Insert(context.Background(), `["`+validSHA+`", "allow", "binary", null]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.RowID == 0 || !row.Provisional || row.State != StateAllow {
		t.Errorf("expected new provisional allow row, got %+v", row)
	}
}

func TestCoordinator_InsertInvalidSkipsTool(t *testing.T) {
	c := &fakeCollector{}
	r := &fakeRunner{}
	co, _, w := newTestCoordinator(t, c, r)

	_, err := co.Insert(context.Background(), `["ZZZZ", "allow", "binary", null]`)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if r.callCount.Load() != 0 {
		t.Error("santactl must not run for invalid input")
	}
	if ev := w.last(); ev == nil || ev.Status != "failure" {
		t.Errorf("expected failure audit event, got %+v", ev)
	}
}

func TestCoordinator_InsertToolMissing(t *testing.T) {
	c := &fakeCollector{}
	r := &fakeRunner{}
	co, _, _ := newTestCoordinator(t, c, r)
	co.exists = func(string) bool { return false }

	_, err := co.Insert(context.Background(), `["EQHXZ8M8AV", "allow", "teamid", null]`)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
	if r.callCount.Load() != 0 {
		t.Error("santactl must not run when it is missing")
	}
}

func TestCoordinator_InsertToolFails(t *testing.T) {
	c := &fakeCollector{}
	r := &fakeRunner{out: santactl.Output{Stdout: "Failed to modify rules: bad\n", ExitCode: 1}}
	co, m, _ := newTestCoordinator(t, c, r)
	gen := m.Generation()

	_, err := co.Insert(context.Background(), `["EQHXZ8M8AV", "allow", "teamid", null]`)
	var terr *ToolError
	if !errors.As(err, &terr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if terr.ExitCode != 1 || terr.Output != "Failed to modify rules: bad\n" {
		t.Errorf("unexpected tool error %+v", terr)
	}
	if m.Generation() != gen {
		t.Error("failed insert must not refresh")
	}
}

func TestCoordinator_InsertStartFailure(t *testing.T) {
	c := &fakeCollector{}
	r := &fakeRunner{err: santactl.ErrTimeout}
	co, _, _ := newTestCoordinator(t, c, r)

	_, err := co.Insert(context.Background(), `["EQHXZ8M8AV", "allow", "teamid", null]`)
	if !errors.Is(err, santactl.ErrTimeout) {
		t.Fatalf("expected timeout to surface, got %v", err)
	}
}

func TestCoordinator_DeleteSuccess(t *testing.T) {
	c := &fakeCollector{}
	c.set(ruleA, ruleB)
	r := &fakeRunner{onRun: func([]string) { c.set(ruleA) }}
	co, m, w := newTestCoordinator(t, c, r)

	if err := co.Delete(context.Background(), "1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantArgs := []string{"rule", "--remove", "--identifier", "EQHXZ8M8AV", "--teamid"}
	if len(r.calls) != 1 || !reflect.DeepEqual(r.calls[0], wantArgs) {
		t.Errorf("unexpected santactl calls %v", r.calls)
	}
	if _, ok := m.Lookup(1); ok {
		t.Error("deleted row should be gone after refresh")
	}
	if row, ok := m.Lookup(0); !ok || row.PrimaryKey() != ruleA.PrimaryKey() {
		t.Error("remaining row should keep its id")
	}
	if ev := w.last(); ev.Status != "success" || ev.Identifier != "EQHXZ8M8AV" {
		t.Errorf("unexpected audit event %+v", ev)
	}
}

func TestCoordinator_DeleteRefreshFailureReportsFailure(t *testing.T) {
	c := &fakeCollector{}
	c.set(ruleA)
	r := &fakeRunner{onRun: func([]string) { c.fail(errCollect) }}
	co, m, w := newTestCoordinator(t, c, r)
	gen := m.Generation()

	err := co.Delete(context.Background(), "0")
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if r.callCount.Load() != 1 {
		t.Errorf("expected one santactl call, got %d", r.callCount.Load())
	}
	if m.Generation() != gen {
		t.Errorf("generation moved to %d", m.Generation())
	}
	if _, ok := m.Lookup(0); !ok {
		t.Error("previous generation should stay visible until a refresh succeeds")
	}
	ev := w.last()
	if ev == nil || ev.Status != "failure" || ev.Operation != "delete" || ev.Identifier != ruleA.Identifier {
		t.Errorf("unexpected audit event %+v", ev)
	}

	// The next successful refresh shows the rule gone.
	c.set()
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := m.Lookup(0); ok {
		t.Error("row should be gone once the database is readable")
	}
}

func TestCoordinator_InsertRefreshFailureReportsFailure(t *testing.T) {
	c := &fakeCollector{}
	c.set(ruleB)
	r := &fakeRunner{onRun: func([]string) { c.fail(errCollect) }}
	co, m, w := newTestCoordinator(t, c, r)

	_, err := co.Insert(context.Background(), `["`+validSHA+`", "allow", "binary", null]`)
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if r.callCount.Load() != 1 {
		t.Errorf("expected one santactl call, got %d", r.callCount.Load())
	}
	if rows := m.Rows(); len(rows) != 1 {
		t.Errorf("no row should be synthesized, got %v", rows)
	}
	ev := w.last()
	if ev == nil || ev.Status != "failure" || ev.Identifier != validSHA || ev.Provisional {
		t.Errorf("unexpected audit event %+v", ev)
	}
	if got := outcome(err); got != "refresh_failed" {
		t.Errorf("expected refresh_failed outcome, got %q", got)
	}
}

func TestCoordinator_DeleteInvalidRowID(t *testing.T) {
	c := &fakeCollector{}
	c.set(ruleA)
	r := &fakeRunner{}
	co, _, _ := newTestCoordinator(t, c, r)

	for _, id := range []string{"", "abc", "1x", "-1", " 1", "4294967296"} {
		err := co.Delete(context.Background(), id)
		if !errors.Is(err, ErrInvalidRowID) {
			t.Errorf("Delete(%q): expected ErrInvalidRowID, got %v", id, err)
		}
	}
	if r.callCount.Load() != 0 {
		t.Error("santactl must not run for invalid row ids")
	}
}

func TestCoordinator_DeleteUnknownRow(t *testing.T) {
	c := &fakeCollector{}
	c.set(ruleA)
	r := &fakeRunner{}
	co, _, _ := newTestCoordinator(t, c, r)

	err := co.Delete(context.Background(), "99")
	if !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}
	if r.callCount.Load() != 0 {
		t.Error("santactl must not run for unknown rows")
	}
}

func TestCoordinator_DeleteUnknownType(t *testing.T) {
	c := &fakeCollector{}
	c.set(Record{Identifier: "mystery", Type: RuleTypeUnknown, State: StateBlock})
	r := &fakeRunner{}
	co, _, _ := newTestCoordinator(t, c, r)

	if err := co.Delete(context.Background(), "0"); !errors.Is(err, ErrUnknownRuleType) {
		t.Fatalf("expected ErrUnknownRuleType, got %v", err)
	}
	if r.callCount.Load() != 0 {
		t.Error("santactl must not run for unknown rule types")
	}
}

func TestCoordinator_DeleteMandatoryRule(t *testing.T) {
	c := &fakeCollector{}
	c.set(ruleA)
	r := &fakeRunner{out: santactl.Output{
		Stdout:   santactl.MandatoryRuleError + "\n",
		ExitCode: 1,
	}}
	co, m, w := newTestCoordinator(t, c, r)

	err := co.Delete(context.Background(), "0")
	if !errors.Is(err, ErrMandatoryRule) {
		t.Fatalf("expected ErrMandatoryRule, got %v", err)
	}
	if _, ok := m.Lookup(0); !ok {
		t.Error("refused delete must keep the row")
	}
	if ev := w.last(); ev.Status != "failure" {
		t.Errorf("expected failure audit event, got %+v", ev)
	}
}

func TestCoordinator_DeleteGenericFailureIsNotMandatory(t *testing.T) {
	c := &fakeCollector{}
	c.set(ruleA)
	r := &fakeRunner{out: santactl.Output{Stdout: "Failed to modify rules: database locked", ExitCode: 1}}
	co, _, _ := newTestCoordinator(t, c, r)

	err := co.Delete(context.Background(), "0")
	if errors.Is(err, ErrMandatoryRule) {
		t.Fatal("generic failure reported as mandatory")
	}
	var terr *ToolError
	if !errors.As(err, &terr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
}

func TestCoordinator_UpdateUnsupported(t *testing.T) {
	c := &fakeCollector{}
	r := &fakeRunner{}
	co, _, w := newTestCoordinator(t, c, r)

	if err := co.Update(context.Background(), "0", `[]`); !errors.Is(err, ErrUpdateUnsupported) {
		t.Fatalf("expected ErrUpdateUnsupported, got %v", err)
	}
	if ev := w.last(); ev == nil || ev.Operation != "update" {
		t.Errorf("expected update audit event, got %+v", ev)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{invalid("x"), "invalid"},
		{&ToolError{ExitCode: 1, Output: santactl.MandatoryRuleError}, "mandatory_rule"},
		{&ToolError{ExitCode: 1}, "tool_failure"},
		{ErrToolNotFound, "tool_not_found"},
		{ErrRowNotFound, "not_found"},
		{ErrUpdateUnsupported, "unsupported"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
