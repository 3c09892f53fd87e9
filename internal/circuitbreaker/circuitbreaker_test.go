package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avelikov/herald/internal/channel"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: 1 * time.Second}, testLogger())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond, HalfOpenMaxRequests: 1}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("first half-open request should be allowed")
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "stats-test", MaxFailures: 5, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 {
		t.Fatalf("total_requests = %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 2 {
		t.Fatalf("total_successes = %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Fatalf("total_failures = %d", stats.TotalFailures)
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("svc")
	if cfg.MaxFailures != 5 {
		t.Fatalf("max_failures = %d", cfg.MaxFailures)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Fatalf("recovery_timeout = %v", cfg.RecoveryTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- ProtectedClient Tests ---

type mockClient struct {
	outcome   channel.Outcome
	sendCalls int
}

func (m *mockClient) Send(ctx context.Context, chatID, text string) channel.Outcome {
	m.sendCalls++
	return m.outcome
}

func TestProtectedClient_PassesThrough(t *testing.T) {
	mock := &mockClient{outcome: channel.Succeeded()}
	cb := New(Config{Name: "test", MaxFailures: 5}, testLogger())
	pc := NewProtectedClient(mock, cb, testLogger())
	if outcome := pc.Send(context.Background(), "4242", "hello"); outcome.Kind != channel.Success {
		t.Fatalf("unexpected outcome: %v", outcome.Kind)
	}
	if mock.sendCalls != 1 {
		t.Fatalf("calls = %d", mock.sendCalls)
	}
}

func TestProtectedClient_FailFastWhenOpen(t *testing.T) {
	mock := &mockClient{outcome: channel.TransientError("down")}
	cb := New(Config{Name: "test", MaxFailures: 2}, testLogger())
	pc := NewProtectedClient(mock, cb, testLogger())
	pc.Send(context.Background(), "4242", "hello")
	pc.Send(context.Background(), "4242", "hello")
	mock.sendCalls = 0
	outcome := pc.Send(context.Background(), "4242", "hello")
	if outcome.Kind != channel.Transient {
		t.Fatalf("expected transient outcome, got: %v", outcome.Kind)
	}
	if outcome.Detail != ErrCircuitOpen.Error() {
		t.Fatalf("expected circuit-open detail, got: %s", outcome.Detail)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("client called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedClient_NonTransientOutcomesAreNotFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2}, testLogger())
	mock := &mockClient{outcome: channel.Revoked("blocked by user")}
	pc := NewProtectedClient(mock, cb, testLogger())

	pc.Send(context.Background(), "4242", "hello")
	pc.Send(context.Background(), "4242", "hello")
	pc.Send(context.Background(), "4242", "hello")

	if cb.GetState() != StateClosed {
		t.Fatalf("revoked recipients should not open the circuit, got %s", cb.GetState())
	}

	mock.outcome = channel.RateLimitedFor(5 * time.Second)
	pc.Send(context.Background(), "4242", "hello")
	pc.Send(context.Background(), "4242", "hello")

	if cb.GetState() != StateClosed {
		t.Fatalf("rate limits should not open the circuit, got %s", cb.GetState())
	}
}

func TestProtectedClient_RecordsMetrics(t *testing.T) {
	mock := &mockClient{outcome: channel.Succeeded()}
	cb := New(Config{Name: "test", MaxFailures: 5}, testLogger())
	pc := NewProtectedClient(mock, cb, testLogger())
	pc.Send(context.Background(), "4242", "hello")
	if cb.Stats().TotalSuccesses != 1 {
		t.Fatal("expected 1 success")
	}
	mock.outcome = channel.TransientError("fail")
	pc.Send(context.Background(), "4242", "hello")
	if cb.Stats().TotalFailures != 1 {
		t.Fatal("expected 1 failure")
	}
}

func TestProtectedClient_FullLifecycle(t *testing.T) {
	mock := &mockClient{outcome: channel.Succeeded()}
	cb := New(Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	pc := NewProtectedClient(mock, cb, testLogger())

	// Phase 1: working
	if outcome := pc.Send(context.Background(), "4242", "hello"); outcome.Kind != channel.Success {
		t.Fatalf("phase1: %v", outcome.Kind)
	}

	// Phase 2: channel fails, circuit opens
	mock.outcome = channel.TransientError("telegram down")
	for i := 0; i < 3; i++ {
		pc.Send(context.Background(), "4242", "hello")
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("phase2: expected open, got %s", cb.GetState())
	}

	// Phase 3: fail fast
	mock.sendCalls = 0
	outcome := pc.Send(context.Background(), "4242", "hello")
	if outcome.Detail != ErrCircuitOpen.Error() {
		t.Fatalf("phase3: %v", outcome.Detail)
	}
	if mock.sendCalls != 0 {
		t.Fatal("phase3: client should not be called")
	}

	// Phase 4: wait for recovery
	time.Sleep(60 * time.Millisecond)

	// Phase 5: channel recovers
	mock.outcome = channel.Succeeded()
	if outcome := pc.Send(context.Background(), "4242", "hello"); outcome.Kind != channel.Success {
		t.Fatalf("phase5: %v", outcome.Kind)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("phase5: expected closed, got %s", cb.GetState())
	}

	// Phase 6: normal traffic
	for i := 0; i < 5; i++ {
		if outcome := pc.Send(context.Background(), "4242", "hello"); outcome.Kind != channel.Success {
			t.Fatalf("phase6[%d]: %v", i, outcome.Kind)
		}
	}
}
