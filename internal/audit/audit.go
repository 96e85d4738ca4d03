// Package audit records one entry per security decision taken by the gate.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink is an append-only audit destination.
// Write() must NEVER block the caller and must never lose a record silently.
type Sink interface {
	Write(rec *Record)
	Close()
}

// Decision values.
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
	DecisionFailed  = "failed"
	// DecisionPending marks a check that still needs a confirmation.
	DecisionPending = "pending"
)

// Source values name the operation that produced a record.
const (
	SourceExecute      = "execute"
	SourceHeadless     = "headless"
	SourceConfirmation = "confirmation"
	SourceCheck        = "check"
)

// Record is a single audit entry.
type Record struct {
	RequestID            string
	Timestamp            time.Time
	Source               string
	UserID               string
	ServerID             string
	SessionID            string
	Interface            string
	ToolName             string
	ArgumentsJSON        string // redacted
	Decision             string
	Reason               string
	ErrorType            string
	RiskLevel            string
	RiskFactors          []string
	ConfirmationRequired bool
	Choice               string
	SanitizationWarnings []string
	LatencyMs            float32
}

// NewRequestID returns a fresh request id.
func NewRequestID() string {
	return uuid.NewString()
}

// MemoryWriter keeps records in memory. Used by tests and the CLI.
type MemoryWriter struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

func (w *MemoryWriter) Write(rec *Record) {
	w.mu.Lock()
	w.records = append(w.records, *rec)
	w.mu.Unlock()
}

// Records returns a copy of everything written so far.
func (w *MemoryWriter) Records() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Record(nil), w.records...)
}

func (w *MemoryWriter) Close() {}

// Multi fans a record out to several sinks.
type Multi []Sink

func (m Multi) Write(rec *Record) {
	for _, s := range m {
		s.Write(rec)
	}
}

func (m Multi) Close() {
	for _, s := range m {
		s.Close()
	}
}
