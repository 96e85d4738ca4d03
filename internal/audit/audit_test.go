package audit

import (
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMemoryWriter_ConcurrentWrites(t *testing.T) {
	w := NewMemoryWriter()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Write(&Record{RequestID: NewRequestID(), Decision: DecisionAllowed})
		}()
	}
	wg.Wait()

	recs := w.Records()
	if len(recs) != 50 {
		t.Fatalf("expected 50 records, got %d", len(recs))
	}
	seen := make(map[string]bool)
	for _, r := range recs {
		if seen[r.RequestID] {
			t.Fatalf("duplicate request id %s", r.RequestID)
		}
		seen[r.RequestID] = true
	}
}

func TestMemoryWriter_RecordsIsCopy(t *testing.T) {
	w := NewMemoryWriter()
	w.Write(&Record{ToolName: "read_file"})
	recs := w.Records()
	recs[0].ToolName = "changed"
	if w.Records()[0].ToolName != "read_file" {
		t.Fatal("Records must return a copy")
	}
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	w := NewLogWriter(zap.New(core))
	w.Write(&Record{RequestID: "r1", ToolName: "read_file", Decision: DecisionDenied, RiskLevel: "high"})

	entries := logs.FilterMessage("audit_record").All()
	if len(entries) != 1 {
		t.Fatalf("expected one audit log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["decision"] != DecisionDenied || fields["risk_level"] != "high" {
		t.Errorf("unexpected fields: %v", fields)
	}
}

func TestMulti(t *testing.T) {
	a, b := NewMemoryWriter(), NewMemoryWriter()
	m := Multi{a, b}
	m.Write(&Record{RequestID: "x"})
	m.Close()
	if len(a.Records()) != 1 || len(b.Records()) != 1 {
		t.Fatal("Multi must write to every sink")
	}
}

func TestNonNil(t *testing.T) {
	if got := nonNil(nil); got == nil || len(got) != 0 {
		t.Fatalf("nonNil(nil) = %v", got)
	}
}
