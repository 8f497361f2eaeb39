package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/toolwarden/toolwarden/internal/domain/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestService_SessionWindowCeiling(t *testing.T) {
	t.Parallel()

	s := NewService(Config{Service: "email", Ceiling: 5, Window: WindowSession}, testLogger())
	req := protocol.Request{Caller: "agent-1", SessionID: "sess-1", Service: "email", Tool: "send_email"}

	for i := 1; i <= 5; i++ {
		resp, err := s.Evaluate(context.Background(), req)
		if err != nil {
			t.Fatalf("Evaluate() call %d error: %v", i, err)
		}
		if resp.Outcome != protocol.OutcomeAllow {
			t.Fatalf("call %d = %s, want allow", i, resp.Outcome)
		}
	}

	resp, err := s.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if resp.Outcome != protocol.OutcomeDeny {
		t.Fatalf("6th call = %s, want deny", resp.Outcome)
	}
	if resp.Reason == "" {
		t.Error("deny response missing reason")
	}
}

func TestService_SessionWindowIsolatesSessions(t *testing.T) {
	t.Parallel()

	s := NewService(Config{Service: "email", Ceiling: 1, Window: WindowSession}, testLogger())

	first := protocol.Request{Caller: "agent-1", SessionID: "sess-a", Service: "email"}
	second := protocol.Request{Caller: "agent-1", SessionID: "sess-b", Service: "email"}

	if resp, _ := s.Evaluate(context.Background(), first); resp.Outcome != protocol.OutcomeAllow {
		t.Fatalf("first session call = %s, want allow", resp.Outcome)
	}
	if resp, _ := s.Evaluate(context.Background(), first); resp.Outcome != protocol.OutcomeDeny {
		t.Fatalf("second call same session = %s, want deny", resp.Outcome)
	}
	if resp, _ := s.Evaluate(context.Background(), second); resp.Outcome != protocol.OutcomeAllow {
		t.Fatalf("fresh session call = %s, want allow", resp.Outcome)
	}
}

func TestService_CallersCountedSeparately(t *testing.T) {
	t.Parallel()

	s := NewService(Config{Service: "db", Ceiling: 1, Window: WindowSession}, testLogger())

	a := protocol.Request{Caller: "agent-a", SessionID: "s", Service: "db"}
	b := protocol.Request{Caller: "agent-b", SessionID: "s", Service: "db"}

	if resp, _ := s.Evaluate(context.Background(), a); resp.Outcome != protocol.OutcomeAllow {
		t.Fatalf("agent-a = %s, want allow", resp.Outcome)
	}
	if resp, _ := s.Evaluate(context.Background(), b); resp.Outcome != protocol.OutcomeAllow {
		t.Fatalf("agent-b = %s, want allow", resp.Outcome)
	}
}

func TestService_DurationWindowRollsOver(t *testing.T) {
	t.Parallel()

	s := NewService(Config{Service: "db", Ceiling: 1, Window: WindowMinute}, testLogger())
	current := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return current }

	req := protocol.Request{Caller: "agent-1", SessionID: "s", Service: "db"}

	if resp, _ := s.Evaluate(context.Background(), req); resp.Outcome != protocol.OutcomeAllow {
		t.Fatalf("first call = %s, want allow", resp.Outcome)
	}
	if resp, _ := s.Evaluate(context.Background(), req); resp.Outcome != protocol.OutcomeDeny {
		t.Fatalf("second call same minute = %s, want deny", resp.Outcome)
	}

	current = current.Add(time.Minute)
	if resp, _ := s.Evaluate(context.Background(), req); resp.Outcome != protocol.OutcomeAllow {
		t.Fatalf("call after window rollover = %s, want allow", resp.Outcome)
	}
}

func TestService_Reset(t *testing.T) {
	t.Parallel()

	s := NewService(Config{Service: "db", Ceiling: 1, Window: WindowSession}, testLogger())
	req := protocol.Request{Caller: "agent-1", SessionID: "s", Service: "db"}

	s.Evaluate(context.Background(), req)
	if resp, _ := s.Evaluate(context.Background(), req); resp.Outcome != protocol.OutcomeDeny {
		t.Fatalf("over ceiling = %s, want deny", resp.Outcome)
	}

	s.Reset()
	if resp, _ := s.Evaluate(context.Background(), req); resp.Outcome != protocol.OutcomeAllow {
		t.Fatalf("after reset = %s, want allow", resp.Outcome)
	}
}
