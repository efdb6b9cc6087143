package listener

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"perpkeeper/internal/channel"
	"perpkeeper/models"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]models.DomainEvent
	err     error
}

func (s *fakeSink) SaveEvents(ctx context.Context, events []models.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	batch := append([]models.DomainEvent(nil), events...)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeSink) all() []models.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DomainEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func noteEvent(note string) models.DomainEvent {
	ev := models.NewEvent(models.EventTradeFill, "BTC-PERP", 50)
	ev.Note = note
	return ev
}

func TestForwarderFlushesToAllSinks(t *testing.T) {
	sink1 := &fakeSink{}
	sink2 := &fakeSink{}
	f := NewForwarder(ForwarderConfig{BufferSize: 64, FlushInterval: time.Hour}, channel.NewChannels(8, 8), sink1, sink2)

	f.push(noteEvent("a"))
	f.push(noteEvent("b"))
	f.push(noteEvent("c"))
	f.flushBuffers(context.Background(), "test")

	for _, sink := range []*fakeSink{sink1, sink2} {
		events := sink.all()
		if len(events) != 3 {
			t.Fatalf("sink received %d events, want 3", len(events))
		}
		if events[0].Note != "a" || events[2].Note != "c" {
			t.Fatalf("batch order lost: %+v", events)
		}
	}
	if f.totalForwarded != 3 {
		t.Fatalf("totalForwarded = %d, want 3", f.totalForwarded)
	}

	// an empty buffer flushes nothing
	f.flushBuffers(context.Background(), "test")
	if len(sink1.batches) != 1 {
		t.Fatalf("empty flush still delivered a batch")
	}
}

func TestForwarderShedsOldestUnderPressure(t *testing.T) {
	sink := &fakeSink{}
	f := NewForwarder(ForwarderConfig{BufferSize: 3, FlushInterval: time.Hour}, channel.NewChannels(8, 8), sink)

	for _, note := range []string{"1", "2", "3", "4", "5"} {
		f.push(noteEvent(note))
	}
	f.flushBuffers(context.Background(), "test")

	events := sink.all()
	if len(events) != 4 {
		t.Fatalf("expected loss report plus three survivors, got %d events", len(events))
	}
	if events[0].Kind != models.EventDiagnostic || !strings.Contains(events[0].Note, "2 events dropped") {
		t.Fatalf("loss report missing or wrong: %+v", events[0])
	}
	for i, want := range []string{"3", "4", "5"} {
		if events[i+1].Note != want {
			t.Fatalf("survivor %d = %q, want %q", i, events[i+1].Note, want)
		}
	}
	if f.totalDropped != 2 {
		t.Fatalf("totalDropped = %d, want 2", f.totalDropped)
	}
}

func TestForwarderIsolatesSinkFailure(t *testing.T) {
	broken := &fakeSink{err: errors.New("connection refused")}
	healthy := &fakeSink{}
	f := NewForwarder(ForwarderConfig{BufferSize: 64, FlushInterval: time.Hour}, channel.NewChannels(8, 8), broken, healthy)

	f.push(noteEvent("a"))
	f.flushBuffers(context.Background(), "test")

	if got := healthy.all(); len(got) != 1 {
		t.Fatalf("healthy sink received %d events, want 1", len(got))
	}
	if f.sinkFailures != 1 {
		t.Fatalf("sinkFailures = %d, want 1", f.sinkFailures)
	}
}
