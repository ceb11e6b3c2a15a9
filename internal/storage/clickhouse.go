package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 1_000
	flushInterval = 500 * time.Millisecond
	flushBatch    = 100
	drainTimeout  = 2 * time.Second
)

const createMutationEvents = `
	CREATE TABLE IF NOT EXISTS rule_mutation_events (
		request_id  String,
		timestamp   DateTime64(3),
		operation   LowCardinality(String),
		row_id      String,
		identifier  String,
		rule_type   LowCardinality(String),
		rule_state  LowCardinality(String),
		status      LowCardinality(String),
		message     String,
		provisional UInt8,
		latency_ms  Float32
	) ENGINE = MergeTree
	ORDER BY (timestamp, request_id)
`

// openClickHouse parses dsn, connects and pings.
func openClickHouse(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// ParseDSN sets TLS only for ?secure=true; hosted ClickHouse requires it.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// ClickHouseWriter writes mutation events to ClickHouse asynchronously.
// Write() is non-blocking: events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *MutationEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter connects, creates the events table if needed and starts
// the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := openClickHouse(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Exec(ctx, createMutationEvents); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouseWriter: create table: %w", err)
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *MutationEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// Write queues a mutation event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *MutationEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping mutation event",
			zap.String("request_id", event.RequestID),
		)
	}
}

// Close signals the flush loop to drain remaining events, waits for it to
// finish (up to drainTimeout), and closes the connection. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	_ = w.conn.Close()
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*MutationEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*MutationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO rule_mutation_events (
			request_id, timestamp, operation, row_id,
			identifier, rule_type, rule_state,
			status, message, provisional, latency_ms
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		var provisional uint8
		if e.Provisional {
			provisional = 1
		}

		if err := batch.Append(
			e.RequestID,
			e.Timestamp,
			e.Operation,
			e.RowID,
			e.Identifier,
			e.RuleType,
			e.RuleState,
			e.Status,
			e.Message,
			provisional,
			e.LatencyMs,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogWriter is the EventWriter used when no ClickHouse DSN is configured.
// It logs events as structured JSON via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *MutationEvent) {
	w.logger.Info("rule_mutation",
		zap.String("request_id", event.RequestID),
		zap.String("operation", event.Operation),
		zap.String("row_id", event.RowID),
		zap.String("identifier", event.Identifier),
		zap.String("rule_type", event.RuleType),
		zap.String("rule_state", event.RuleState),
		zap.String("status", event.Status),
		zap.String("message", event.Message),
		zap.Bool("provisional", event.Provisional),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
