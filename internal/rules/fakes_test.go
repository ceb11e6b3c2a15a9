package rules

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/allenhouchins/santa-2.0/internal/santactl"
	"github.com/allenhouchins/santa-2.0/internal/storage"
)

// fakeCollector returns whatever records it currently holds.
type fakeCollector struct {
	mu        sync.Mutex
	records   []Record
	err       error
	callCount atomic.Int32
}

func (f *fakeCollector) Collect(ctx context.Context) ([]Record, error) {
	f.callCount.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Record, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakeCollector) set(records ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
	f.err = nil
}

func (f *fakeCollector) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeRunner records santactl invocations and returns a canned result.
// onRun, when set, runs before the result is returned, e.g. to make the
// rule visible in a fakeCollector.
type fakeRunner struct {
	out       santactl.Output
	err       error
	onRun     func(args []string)
	calls     [][]string
	callCount atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, path string, args []string) (santactl.Output, error) {
	f.callCount.Add(1)
	f.calls = append(f.calls, args)
	if f.onRun != nil {
		f.onRun(args)
	}
	return f.out, f.err
}

// recordingWriter keeps audit events in memory.
type recordingWriter struct {
	mu     sync.Mutex
	events []*storage.MutationEvent
}

func (w *recordingWriter) Write(ev *storage.MutationEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
}

func (w *recordingWriter) Close() {}

func (w *recordingWriter) last() *storage.MutationEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.events) == 0 {
		return nil
	}
	return w.events[len(w.events)-1]
}

var errCollect = errors.New("database is locked")
