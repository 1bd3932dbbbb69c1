package audit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentrelay/agentrelay/internal/audit"
)

// memorySink collects flushed batches.
type memorySink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *memorySink) WriteBatch(ctx context.Context, records []audit.Record) error {
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestTrail_DrainsOnStop(t *testing.T) {
	sink := &memorySink{}
	trail := audit.NewTrail(sink, 64, 8, time.Hour) // ticker never fires
	trail.Start()

	for i := 0; i < 20; i++ {
		trail.Log(audit.Record{AuditID: "a", Success: true})
	}
	trail.Stop()

	if got := sink.count(); got != 20 {
		t.Errorf("flushed records = %d, want 20 after drain", got)
	}
}

func TestTrail_PeriodicFlush(t *testing.T) {
	sink := &memorySink{}
	trail := audit.NewTrail(sink, 64, 100, 20*time.Millisecond)
	trail.Start()
	defer trail.Stop()

	trail.Log(audit.Record{AuditID: "a"})

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("record not flushed by ticker")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTrail_StampsTimestamp(t *testing.T) {
	sink := &memorySink{}
	trail := audit.NewTrail(sink, 4, 1, time.Hour)
	trail.Start()
	trail.Log(audit.Record{AuditID: "a"})
	trail.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) != 1 {
		t.Fatalf("flushed records = %d, want 1", len(sink.records))
	}
	if sink.records[0].Timestamp.IsZero() {
		t.Error("Timestamp is zero, want stamped on Log")
	}
}

func TestTrail_LogAfterStopDoesNotPanic(t *testing.T) {
	trail := audit.NewTrail(&memorySink{}, 4, 1, time.Hour)
	trail.Start()
	trail.Stop()
	trail.Stop() // idempotent

	trail.Log(audit.Record{AuditID: "late"}) // shed to log, no panic
}

func TestTrail_OverflowSheds(t *testing.T) {
	sink := &memorySink{}
	trail := audit.NewTrail(sink, 1, 100, time.Hour)
	// Worker not started: the buffer fills and further Logs must not block.

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			trail.Log(audit.Record{AuditID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on full buffer, want load shedding")
	}

	trail.Start()
	trail.Stop()
	if got := sink.count(); got != 1 {
		t.Errorf("flushed records = %d, want 1 kept in buffer", got)
	}
}
