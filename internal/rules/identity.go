package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/allenhouchins/santa-2.0/internal/metrics"
	"go.uber.org/zap"
)

// Row is a rule with the row ID it is exposed under.
type Row struct {
	RowID uint32
	Record
	// Provisional marks a row synthesized after a successful insert that the
	// database snapshot did not yet show. The next refresh replaces it.
	Provisional bool
}

// IdentityMap assigns stable row IDs to rules across refreshes.
//
// A rule keeps its row ID for as long as its primary key keeps appearing in
// the database. When a key disappears its row ID is abandoned; if the same key
// comes back later it receives a new one. Row IDs come from a counter owned by
// the map and are never persisted.
//
// All state is guarded by mu. Mutations in Coordinator hold mu for their
// entire validate, invoke, refresh and reconcile sequence.
type IdentityMap struct {
	mu        sync.Mutex
	collector Collector
	logger    *zap.Logger

	records     map[string]Record // primary key -> record
	rowToKey    map[uint32]string
	keyToRow    map[string]uint32
	provisional map[uint32]bool
	nextRowID   uint32
	generation  uint64
}

// NewIdentityMap creates an empty map backed by collector.
func NewIdentityMap(collector Collector, logger *zap.Logger) *IdentityMap {
	return &IdentityMap{
		collector:   collector,
		logger:      logger,
		records:     make(map[string]Record),
		rowToKey:    make(map[uint32]string),
		keyToRow:    make(map[string]uint32),
		provisional: make(map[uint32]bool),
	}
}

// Refresh re-collects every rule and reconciles row IDs against the previous
// generation. On failure the previous generation is kept intact.
func (m *IdentityMap) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

// Load refreshes and returns the resulting rows as one step.
func (m *IdentityMap) Load(ctx context.Context) ([]Row, error) {
	m.mu.Lock()
	if err := m.refreshLocked(ctx); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	rows := m.copyLocked()
	m.mu.Unlock()
	return sortRows(rows), nil
}

// Rows returns the current generation ordered by row ID without refreshing.
func (m *IdentityMap) Rows() []Row {
	m.mu.Lock()
	rows := m.copyLocked()
	m.mu.Unlock()
	return sortRows(rows)
}

// Lookup returns the row with the given ID.
func (m *IdentityMap) Lookup(rowID uint32) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(rowID)
}

// Generation counts successful refreshes. It lets callers tell whether the
// rows they hold are from the latest snapshot.
func (m *IdentityMap) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *IdentityMap) refreshLocked(ctx context.Context) error {
	collected, err := m.collector.Collect(ctx)
	if err != nil {
		metrics.RuleRefreshesTotal.WithLabelValues("failure").Inc()
		m.logger.Error("rule refresh failed, keeping previous generation",
			zap.Uint64("generation", m.generation),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	records := make(map[string]Record, len(collected))
	rowToKey := make(map[uint32]string, len(collected))
	keyToRow := make(map[string]uint32, len(collected))

	for _, rec := range collected {
		key := rec.PrimaryKey()
		if _, dup := keyToRow[key]; dup {
			m.logger.Warn("duplicate rule key in snapshot, keeping last",
				zap.String("key", key),
			)
			records[key] = rec
			continue
		}

		rowID, ok := m.keyToRow[key]
		if !ok {
			rowID = m.mintLocked()
		}
		records[key] = rec
		rowToKey[rowID] = key
		keyToRow[key] = rowID
	}

	m.records = records
	m.rowToKey = rowToKey
	m.keyToRow = keyToRow
	m.provisional = make(map[uint32]bool)
	m.generation++

	metrics.RuleRefreshesTotal.WithLabelValues("success").Inc()
	metrics.RulesTracked.Set(float64(len(records)))
	m.logger.Debug("rules refreshed",
		zap.Int("rules", len(records)),
		zap.Uint64("generation", m.generation),
	)
	return nil
}

func (m *IdentityMap) mintLocked() uint32 {
	id := m.nextRowID
	m.nextRowID++
	return id
}

// copyLocked snapshots the current generation. A row ID whose key has no
// record is an internal inconsistency: it is logged and left out.
func (m *IdentityMap) copyLocked() []Row {
	rows := make([]Row, 0, len(m.rowToKey))
	for rowID, key := range m.rowToKey {
		rec, ok := m.records[key]
		if !ok {
			m.logger.Warn("row id has no matching rule, skipping",
				zap.Uint32("row_id", rowID),
				zap.String("key", key),
			)
			continue
		}
		rows = append(rows, Row{RowID: rowID, Record: rec, Provisional: m.provisional[rowID]})
	}
	return rows
}

func (m *IdentityMap) lookupLocked(rowID uint32) (Row, bool) {
	key, ok := m.rowToKey[rowID]
	if !ok {
		return Row{}, false
	}
	rec, ok := m.records[key]
	if !ok {
		m.logger.Warn("row id has no matching rule",
			zap.Uint32("row_id", rowID),
			zap.String("key", key),
		)
		return Row{}, false
	}
	return Row{RowID: rowID, Record: rec, Provisional: m.provisional[rowID]}, true
}

// findLocked returns the row ID of a rule with the same key and state.
func (m *IdentityMap) findLocked(rec Record) (uint32, bool) {
	key := rec.PrimaryKey()
	rowID, ok := m.keyToRow[key]
	if !ok {
		return 0, false
	}
	current, ok := m.records[key]
	if !ok || current.Type != rec.Type || current.State != rec.State {
		return 0, false
	}
	return rowID, true
}

// synthesizeLocked inserts rec under a fresh row ID and marks it provisional.
// A stale entry under the same key is replaced so keys and row IDs stay
// one-to-one.
func (m *IdentityMap) synthesizeLocked(rec Record) uint32 {
	key := rec.PrimaryKey()
	if old, ok := m.keyToRow[key]; ok {
		delete(m.rowToKey, old)
		delete(m.provisional, old)
	}
	rowID := m.mintLocked()
	m.records[key] = rec
	m.rowToKey[rowID] = key
	m.keyToRow[key] = rowID
	m.provisional[rowID] = true
	metrics.RulesTracked.Set(float64(len(m.records)))
	return rowID
}

func sortRows(rows []Row) []Row {
	sort.Slice(rows, func(i, j int) bool { return rows[i].RowID < rows[j].RowID })
	return rows
}
