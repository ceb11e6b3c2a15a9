package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registered as "sqlite"
)

// DefaultDatabasePath is santad's rule database.
const DefaultDatabasePath = "/var/db/santa/rules.db"

// Identifier column names, newest first. Older santad releases keyed rules
// by shasum before certificate and team rules existed.
var identifierColumns = []string{"identifier", "shasum"}

// Collector produces the complete current rule set.
type Collector interface {
	Collect(ctx context.Context) ([]Record, error)
}

// SnapshotCollector reads santad's rule database through a private copy.
// santad holds the live file open and locked, so it is never queried in place.
type SnapshotCollector struct {
	dbPath     string
	scratchDir string
	logger     *zap.Logger
}

// NewSnapshotCollector creates a collector for the database at dbPath. Copies
// are written under scratchDir, or the system temp dir when it is empty.
func NewSnapshotCollector(dbPath, scratchDir string, logger *zap.Logger) *SnapshotCollector {
	if dbPath == "" {
		dbPath = DefaultDatabasePath
	}
	return &SnapshotCollector{
		dbPath:     dbPath,
		scratchDir: scratchDir,
		logger:     logger,
	}
}

// DatabasePath returns the live database path being snapshotted.
func (c *SnapshotCollector) DatabasePath() string {
	return c.dbPath
}

// Collect copies the database, then enumerates the rules table of the copy.
// Any copy or query failure fails the whole collection.
func (c *SnapshotCollector) Collect(ctx context.Context) ([]Record, error) {
	snapshot, cleanup, err := c.snapshot()
	if err != nil {
		return nil, fmt.Errorf("Collect: %w", err)
	}
	defer cleanup()

	db, err := sql.Open("sqlite", snapshot)
	if err != nil {
		return nil, fmt.Errorf("Collect: open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	column, err := identifierColumn(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("Collect: %w", err)
	}

	// column is one of identifierColumns, never caller input.
	query := fmt.Sprintf("SELECT %s, state, type, custommsg FROM rules", column)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("Collect: query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			identifier sql.NullString
			state      sql.NullInt64
			ruleType   sql.NullInt64
			message    sql.NullString
		)
		if err := rows.Scan(&identifier, &state, &ruleType, &message); err != nil {
			return nil, fmt.Errorf("Collect: scan rule: %w", err)
		}
		if !identifier.Valid {
			c.logger.Warn("skipping rule without identifier")
			continue
		}

		rec := Record{
			Identifier:    identifier.String,
			Type:          RuleTypeFromCode(ruleType.Int64),
			State:         StateFromCode(state.Int64),
			CustomMessage: message.String,
		}
		if rec.Type == RuleTypeUnknown {
			c.logger.Warn("rule has unrecognized type code",
				zap.String("identifier", rec.Identifier),
				zap.Int64("type_code", ruleType.Int64),
			)
		}
		c.logger.Debug("collected rule",
			zap.String("identifier", rec.Identifier),
			zap.String("type", rec.Type.String()),
			zap.String("state", rec.State.String()),
		)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Collect: iterate rules: %w", err)
	}
	return records, nil
}

// snapshot copies the database (and its write-ahead log, if any) to a fresh
// scratch file. The returned cleanup removes every copied file.
func (c *SnapshotCollector) snapshot() (string, func(), error) {
	dst, err := os.CreateTemp(c.scratchDir, "rules-*.db")
	if err != nil {
		return "", nil, fmt.Errorf("create snapshot: %w", err)
	}
	path := dst.Name()
	cleanup := func() {
		_ = os.Remove(path)
		_ = os.Remove(path + "-wal")
		_ = os.Remove(path + "-shm")
	}

	err = copyInto(dst, c.dbPath)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("copy %s: %w", c.dbPath, err)
	}

	wal, err := os.Create(path + "-wal")
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("create snapshot wal: %w", err)
	}
	err = copyInto(wal, c.dbPath+"-wal")
	if closeErr := wal.Close(); err == nil {
		err = closeErr
	}
	if errors.Is(err, fs.ErrNotExist) {
		_ = os.Remove(path + "-wal")
	} else if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("copy %s-wal: %w", c.dbPath, err)
	}

	return path, cleanup, nil
}

func copyInto(dst io.Writer, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	_, err = io.Copy(dst, src)
	return err
}

// identifierColumn picks the identifier column name present in rules.
func identifierColumn(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info(rules)")
	if err != nil {
		return "", fmt.Errorf("inspect schema: %w", err)
	}
	defer func() { _ = rows.Close() }()

	present := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return "", fmt.Errorf("inspect schema: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("inspect schema: %w", err)
	}

	for _, col := range identifierColumns {
		if present[col] {
			return col, nil
		}
	}
	return "", ErrSchemaUnsupported
}
