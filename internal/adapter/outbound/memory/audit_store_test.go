package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toolwarden/toolwarden/internal/domain/audit"
)

func TestAuditStore_Append(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	buf := &bytes.Buffer{}
	store := NewAuditStoreWithWriter(buf)

	record := audit.DecisionRecord{
		Timestamp: time.Now().UTC(),
		Caller:    "agent-1",
		SessionID: "sess-123",
		Service:   "billing",
		Tool:      "get_invoice",
		Outcome:   "allow",
		Source:    audit.SourceRule,
		Digest:    "digest-1",
	}

	if err := store.Append(ctx, record); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	output := buf.String()
	if output == "" {
		t.Fatal("Append() did not write to buffer")
	}

	var decoded audit.DecisionRecord
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &decoded); err != nil {
		t.Fatalf("Written output is not valid JSON: %v", err)
	}

	if decoded.Digest != "digest-1" {
		t.Errorf("Digest = %q, want %q", decoded.Digest, "digest-1")
	}
	if decoded.Tool != "get_invoice" {
		t.Errorf("Tool = %q, want %q", decoded.Tool, "get_invoice")
	}
}

func TestAuditStore_AppendMultiple(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	buf := &bytes.Buffer{}
	store := NewAuditStoreWithWriter(buf)

	records := []audit.DecisionRecord{
		{Digest: "digest-1", Tool: "tool_1", Outcome: "allow", Timestamp: time.Now().UTC()},
		{Digest: "digest-2", Tool: "tool_2", Outcome: "deny", Timestamp: time.Now().UTC()},
		{Digest: "digest-3", Tool: "tool_3", Outcome: "allow", Timestamp: time.Now().UTC()},
	}

	if err := store.Append(ctx, records...); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Errorf("Expected 3 JSON lines, got %d", len(lines))
	}

	for i, line := range lines {
		var decoded audit.DecisionRecord
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Errorf("Line %d is not valid JSON: %v", i, err)
		}
		expected := fmt.Sprintf("digest-%d", i+1)
		if decoded.Digest != expected {
			t.Errorf("Line %d Digest = %q, want %q", i, decoded.Digest, expected)
		}
	}
}

func TestAuditStore_Flush(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	buf := &bytes.Buffer{}
	store := NewAuditStoreWithWriter(buf)

	record := audit.DecisionRecord{Digest: "digest-flush", Tool: "flush_tool", Timestamp: time.Now().UTC()}
	if err := store.Append(ctx, record); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	if err := store.Flush(ctx); err != nil {
		t.Errorf("Flush() error: %v", err)
	}

	if buf.Len() == 0 {
		t.Error("Buffer should still contain data after Flush()")
	}
}

func TestAuditStore_Close(t *testing.T) {
	t.Parallel()

	store := NewAuditStoreWithWriter(&bytes.Buffer{})

	if err := store.Close(); err != nil {
		t.Errorf("Close() error: %v (expected nil for non-file writer)", err)
	}
}

func TestAuditStore_AppendEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	buf := &bytes.Buffer{}
	store := NewAuditStoreWithWriter(buf)

	if err := store.Append(ctx); err != nil {
		t.Errorf("Append() with no records error: %v", err)
	}

	if buf.Len() != 0 {
		t.Errorf("Buffer should be empty after appending no records, got %d bytes", buf.Len())
	}
}

func TestAuditStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	buf := &bytes.Buffer{}
	store := NewAuditStoreWithWriter(buf)

	var wg sync.WaitGroup
	errCh := make(chan error, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			record := audit.DecisionRecord{
				Digest:    fmt.Sprintf("digest-%d", idx),
				Tool:      "concurrent_tool",
				Outcome:   "allow",
				Timestamp: time.Now().UTC(),
			}
			if err := store.Append(ctx, record); err != nil {
				errCh <- err
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("Concurrent Append() error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 100 {
		t.Errorf("Expected 100 JSON lines, got %d", len(lines))
	}
}

func TestAuditStore_GetRecent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewAuditStoreWithWriter(&bytes.Buffer{}, 5)

	for i := 0; i < 8; i++ {
		rec := audit.DecisionRecord{
			Digest:    fmt.Sprintf("digest-%d", i),
			Timestamp: time.Now().UTC(),
		}
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	recent := store.GetRecent(3)
	if len(recent) != 3 {
		t.Fatalf("GetRecent(3) returned %d entries, want 3", len(recent))
	}

	// Newest first.
	for i, want := range []string{"digest-7", "digest-6", "digest-5"} {
		if recent[i].Digest != want {
			t.Errorf("GetRecent[%d].Digest = %q, want %q", i, recent[i].Digest, want)
		}
	}

	// Buffer capped at 5: requesting more returns only what is held.
	all := store.GetRecent(100)
	if len(all) != 5 {
		t.Errorf("GetRecent(100) returned %d entries, want 5 (capacity)", len(all))
	}
	if all[4].Digest != "digest-3" {
		t.Errorf("Oldest retained = %q, want %q", all[4].Digest, "digest-3")
	}
}

func TestAuditStore_RecordFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	buf := &bytes.Buffer{}
	store := NewAuditStoreWithWriter(buf)

	now := time.Now().UTC()
	record := audit.DecisionRecord{
		Timestamp:     now,
		Caller:        "agent-admin",
		SessionID:     "sess-456",
		Service:       "payments",
		Tool:          "delete_payment_method",
		Verb:          "delete",
		Labels:        []string{"destructive"},
		Outcome:       "deny",
		Reason:        "Policy violation",
		Source:        audit.SourceProtocol,
		RuleID:        "rule-123",
		RouteInstance: "limits-default",
		Digest:        "digest-fields",
		Revision:      "rev-abc",
		LatencyMicros: 1500,
	}

	if err := store.Append(ctx, record); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	var decoded audit.DecisionRecord
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("JSON decode error: %v", err)
	}

	if decoded.Outcome != "deny" {
		t.Errorf("Outcome = %q, want %q", decoded.Outcome, "deny")
	}
	if decoded.SessionID != "sess-456" {
		t.Errorf("SessionID = %q, want %q", decoded.SessionID, "sess-456")
	}
	if decoded.Caller != "agent-admin" {
		t.Errorf("Caller = %q, want %q", decoded.Caller, "agent-admin")
	}
	if decoded.Reason != "Policy violation" {
		t.Errorf("Reason = %q, want %q", decoded.Reason, "Policy violation")
	}
	if decoded.RuleID != "rule-123" {
		t.Errorf("RuleID = %q, want %q", decoded.RuleID, "rule-123")
	}
	if decoded.Source != audit.SourceProtocol {
		t.Errorf("Source = %q, want %q", decoded.Source, audit.SourceProtocol)
	}
	if decoded.Revision != "rev-abc" {
		t.Errorf("Revision = %q, want %q", decoded.Revision, "rev-abc")
	}
	if decoded.LatencyMicros != 1500 {
		t.Errorf("LatencyMicros = %d, want %d", decoded.LatencyMicros, 1500)
	}
}

func TestAuditStore_DefaultStdout(t *testing.T) {
	store := NewAuditStore()
	if store == nil {
		t.Fatal("NewAuditStore() returned nil")
	}

	// Close should work (stdout is not closed).
	if err := store.Close(); err != nil {
		t.Errorf("Close() on default store error: %v", err)
	}
}
