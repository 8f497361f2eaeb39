package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/toolwarden/toolwarden/internal/domain/audit"
)

// collectStore is an audit.Store that records appended batches.
type collectStore struct {
	mu      sync.Mutex
	records []audit.DecisionRecord
	batches int
	err     error
}

func (s *collectStore) Append(_ context.Context, records ...audit.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	s.batches++
	return nil
}

func (s *collectStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func decisionRecord(digest string) audit.DecisionRecord {
	return audit.DecisionRecord{
		Timestamp: time.Now().UTC(),
		Caller:    "agent-1",
		SessionID: "sess-1",
		Service:   "billing",
		Tool:      "get_invoice",
		Outcome:   "allow",
		Source:    audit.SourceRule,
		Digest:    digest,
	}
}

func TestAuditService_RecordsReachStore(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &collectStore{}
	svc := NewAuditService(store, discardLogger(), WithFlushInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 10; i++ {
		svc.Record(decisionRecord(fmt.Sprintf("d-%d", i)))
	}

	deadline := time.After(2 * time.Second)
	for store.count() < 10 {
		select {
		case <-deadline:
			t.Fatalf("store received %d records, want 10", store.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	svc.Stop()

	if svc.DroppedRecords() != 0 {
		t.Errorf("DroppedRecords() = %d, want 0", svc.DroppedRecords())
	}
}

func TestAuditService_BatchSizeTriggersFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &collectStore{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(5),
		WithFlushInterval(time.Hour),
		WithAdaptiveFlushThreshold(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 5; i++ {
		svc.Record(decisionRecord(fmt.Sprintf("d-%d", i)))
	}

	deadline := time.After(2 * time.Second)
	for store.count() < 5 {
		select {
		case <-deadline:
			t.Fatalf("store received %d records, want 5 via batch-size flush", store.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	svc.Stop()
}

func TestAuditService_StopFlushesPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &collectStore{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(100),
		WithFlushInterval(time.Hour),
		WithAdaptiveFlushThreshold(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 7; i++ {
		svc.Record(decisionRecord(fmt.Sprintf("d-%d", i)))
	}

	svc.Stop()

	if store.count() != 7 {
		t.Errorf("store received %d records after Stop(), want 7", store.count())
	}
}

func TestAuditService_FullChannelDropsWithoutBlocking(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &collectStore{}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(2),
		WithSendTimeout(0),
		WithWarningThreshold(0),
	)
	// Worker not started yet: the channel fills and stays full.

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			svc.Record(decisionRecord(fmt.Sprintf("d-%d", i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record() blocked on a full channel")
	}

	if drops := svc.DroppedRecords(); drops != 8 {
		t.Errorf("DroppedRecords() = %d, want 8", drops)
	}

	// Start and stop the worker to drain the buffered records cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	svc.Stop()
}

func TestAuditService_StoreErrorDoesNotPropagate(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &collectStore{err: errors.New("disk full")}
	svc := NewAuditService(store, discardLogger(), WithFlushInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Record(decisionRecord("d-1"))

	// The flush error is logged and swallowed; the worker keeps running.
	time.Sleep(50 * time.Millisecond)
	svc.Stop()
}

func TestAuditService_ChannelMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := NewAuditService(&collectStore{}, discardLogger(), WithChannelSize(42))

	if svc.ChannelCapacity() != 42 {
		t.Errorf("ChannelCapacity() = %d, want 42", svc.ChannelCapacity())
	}
	if svc.ChannelDepth() != 0 {
		t.Errorf("ChannelDepth() = %d, want 0", svc.ChannelDepth())
	}

	svc.Record(decisionRecord("d-1"))
	if svc.ChannelDepth() != 1 {
		t.Errorf("ChannelDepth() after one record = %d, want 1", svc.ChannelDepth())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	svc.Stop()
}

func TestAuditService_ConcurrentRecord(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &collectStore{}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(1000),
		WithFlushInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				svc.Record(decisionRecord(fmt.Sprintf("d-%d-%d", n, j)))
			}
		}(i)
	}
	wg.Wait()

	svc.Stop()

	if got := store.count() + int(svc.DroppedRecords()); got != 200 {
		t.Errorf("stored+dropped = %d, want 200", got)
	}
}
