package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/metrics"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS mcp_gate_audit (
		request_id String,
		timestamp DateTime64(3),
		source LowCardinality(String),
		user_id String,
		server_id String,
		session_id String,
		interface LowCardinality(String),
		tool_name String,
		arguments_json String,
		decision LowCardinality(String),
		reason String,
		error_type LowCardinality(String),
		risk_level LowCardinality(String),
		risk_factors Array(String),
		confirmation_required UInt8,
		choice LowCardinality(String),
		sanitization_warnings Array(String),
		latency_ms Float32
	) ENGINE = MergeTree
	ORDER BY (timestamp, server_id)
`

// ClickHouseWriter batches audit records into ClickHouse from a background
// goroutine. When the buffer is full the record is written to the logger
// instead so it is never lost.
type ClickHouseWriter struct {
	conn     driver.Conn
	buffer   chan *Record
	done     chan struct{}
	flushed  chan struct{}
	fallback *LogWriter
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewClickHouseWriter connects, ensures the audit table exists and starts the
// flush loop.
func NewClickHouseWriter(dsn string, m *metrics.Metrics, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: ping: %w", err)
	}
	if err := conn.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: create table: %w", err)
	}

	w := &ClickHouseWriter{
		conn:     conn,
		buffer:   make(chan *Record, bufferSize),
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
		fallback: NewLogWriter(logger),
		metrics:  m,
		logger:   logger,
	}
	go w.flushLoop()
	return w, nil
}

// Write queues a record. Non-blocking.
func (w *ClickHouseWriter) Write(rec *Record) {
	select {
	case w.buffer <- rec:
	default:
		w.metrics.EventDropped("audit")
		w.logger.Warn("clickhouse buffer full, logging audit record instead",
			zap.String("request_id", rec.RequestID),
		)
		w.fallback.Write(rec)
	}
}

// Close drains pending records and closes the connection.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Record, 0, flushBatch)

	for {
		select {
		case rec := <-w.buffer:
			batch = append(batch, rec)
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
			deadline := time.After(drainTimeout)
		drainLoop:
			for {
				select {
				case rec := <-w.buffer:
					batch = append(batch, rec)
				case <-deadline:
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

func (w *ClickHouseWriter) flush(records []*Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO mcp_gate_audit (
			request_id, timestamp, source, user_id, server_id, session_id,
			interface, tool_name, arguments_json, decision, reason, error_type,
			risk_level, risk_factors, confirmation_required, choice,
			sanitization_warnings, latency_ms
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		w.spill(records)
		return
	}

	for _, r := range records {
		var confirm uint8
		if r.ConfirmationRequired {
			confirm = 1
		}
		if err := batch.Append(
			r.RequestID,
			r.Timestamp,
			r.Source,
			r.UserID,
			r.ServerID,
			r.SessionID,
			r.Interface,
			r.ToolName,
			r.ArgumentsJSON,
			r.Decision,
			r.Reason,
			r.ErrorType,
			r.RiskLevel,
			nonNil(r.RiskFactors),
			confirm,
			r.Choice,
			nonNil(r.SanitizationWarnings),
			r.LatencyMs,
		); err != nil {
			w.logger.Error("clickhouse append audit record failed",
				zap.String("request_id", r.RequestID),
				zap.Error(err),
			)
			w.fallback.Write(r)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(records)),
			zap.Error(err),
		)
		w.spill(records)
	}
}

// spill writes records that could not reach ClickHouse to the log.
func (w *ClickHouseWriter) spill(records []*Record) {
	for _, r := range records {
		w.fallback.Write(r)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
