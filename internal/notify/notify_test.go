package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(NegotiationAccepted, "neg_1", []string{"buyer", "seller"}, map[string]string{"amount": "90"})
	if !strings.HasPrefix(ev.ID, "evt_") {
		t.Errorf("Expected evt_ prefix, got %s", ev.ID)
	}
	if ev.OccurredAt.IsZero() {
		t.Error("Expected OccurredAt to be set")
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("sink down")}

	err := Fanout{ok, bad}.Publish(context.Background(), NewEvent(EscrowCaptured, "esc_1", nil, nil))
	if err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Fatalf("Expected joined error, got %v", err)
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Errorf("Expected both sinks called, got %d and %d", ok.count(), bad.count())
	}
}

func TestDispatcher_DeliversQueuedEventsOnStop(t *testing.T) {
	sink := &recorder{}
	d := NewDispatcher("test", sink, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.Start()

	for i := 0; i < 5; i++ {
		if err := d.Publish(context.Background(), NewEvent(NegotiationOpened, "neg", nil, nil)); err != nil {
			t.Fatalf("Publish returned %v", err)
		}
	}
	d.Stop()

	if sink.count() != 5 {
		t.Errorf("Expected 5 delivered events, got %d", sink.count())
	}
}

func TestDispatcher_PublishAfterStopIsDropped(t *testing.T) {
	sink := &recorder{}
	d := NewDispatcher("test", sink, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.Start()
	d.Stop()

	if err := d.Publish(context.Background(), NewEvent(EscrowReleased, "esc", nil, nil)); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("Expected no delivery after stop, got %d", sink.count())
	}
}
