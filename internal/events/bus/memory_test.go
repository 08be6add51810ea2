package bus

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/agentplane/agentplane/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var got *Event

	sub, err := bus.Subscribe("sessions.abc.events", func(ctx context.Context, event *Event) error {
		got = event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("session:status", "session-manager", map[string]any{"status": "Ready"})
	if err := bus.Publish(ctx, "sessions.abc.events", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Delivery is synchronous, the handler has run by now.
	if got == nil {
		t.Fatal("Expected event to be delivered")
	}
	if got.ID != event.ID {
		t.Errorf("Expected event ID %s, got %s", event.ID, got.ID)
	}
	if got.Type != event.Type {
		t.Errorf("Expected event type %s, got %s", event.Type, got.Type)
	}
}

func TestMemoryEventBus_OrderedDelivery(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var types []string

	_, err := bus.Subscribe("sessions.s1.events", func(ctx context.Context, event *Event) error {
		types = append(types, event.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sequence := []string{
		"session:block:start",
		"session:block:delta",
		"session:block:delta",
		"session:block:complete",
	}
	for _, typ := range sequence {
		if err := bus.Publish(ctx, "sessions.s1.events", NewEvent(typ, "test", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if len(types) != len(sequence) {
		t.Fatalf("Expected %d events, got %d", len(sequence), len(types))
	}
	for i, typ := range sequence {
		if types[i] != typ {
			t.Errorf("Event %d: expected %s, got %s", i, typ, types[i])
		}
	}
}

func TestMemoryEventBus_WildcardSubjects(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()

	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{"exact", "sessions.s1.events", "sessions.s1.events", true},
		{"exact mismatch", "sessions.s1.events", "sessions.s2.events", false},
		{"single token wildcard", "sessions.*.events", "sessions.s1.events", true},
		{"single token no cross-dot", "sessions.*.events", "sessions.s1.extra.events", false},
		{"tail wildcard", "sessions.>", "sessions.s1.sandbox", true},
		{"tail wildcard deep", "sessions.>", "sessions.s1.events.more", true},
		{"tail wildcard mismatch", "sessions.>", "profiles.default", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var count int32
			sub, err := bus.Subscribe(tt.pattern, func(ctx context.Context, event *Event) error {
				atomic.AddInt32(&count, 1)
				return nil
			})
			if err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}
			defer func() { _ = sub.Unsubscribe() }()

			if err := bus.Publish(ctx, tt.subject, NewEvent("session:status", "test", nil)); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}

			delivered := atomic.LoadInt32(&count) == 1
			if delivered != tt.match {
				t.Errorf("pattern %q subject %q: delivered=%v, want %v",
					tt.pattern, tt.subject, delivered, tt.match)
			}
		})
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("sessions.s1.events", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, "sessions.s1.events", NewEvent("session:status", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}
	if err := bus.Publish(ctx, "sessions.s1.events", NewEvent("session:status", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 delivery, got %d", got)
	}
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var a, b int32

	if _, err := bus.QueueSubscribe("sessions.s1.events", "workers", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&a, 1)
		return nil
	}); err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}
	if _, err := bus.QueueSubscribe("sessions.s1.events", "workers", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&b, 1)
		return nil
	}); err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := bus.Publish(ctx, "sessions.s1.events", NewEvent("session:status", "test", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	total := atomic.LoadInt32(&a) + atomic.LoadInt32(&b)
	if total != 4 {
		t.Errorf("Expected 4 total deliveries across the group, got %d", total)
	}
	if atomic.LoadInt32(&a) == 0 || atomic.LoadInt32(&b) == 0 {
		t.Error("Expected round-robin to reach both subscribers")
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if err := bus.Publish(context.Background(), "sessions.s1.events", NewEvent("session:status", "test", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe("sessions.s1.events", func(ctx context.Context, event *Event) error { return nil }); err == nil {
		t.Error("Expected subscribe on closed bus to fail")
	}
}
