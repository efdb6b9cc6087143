package channel

import (
	"context"
	"testing"
	"time"

	"perpkeeper/models"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1, 1)
	if c.Updates == nil || c.Events == nil || c.Logs == nil {
		t.Fatalf("expected non-nil channels")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
}

func TestSendEventDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()

	if !c.SendEvent(ctx, models.DomainEvent{ID: "a"}) {
		t.Fatal("first send should fit")
	}
	if c.SendEvent(ctx, models.DomainEvent{ID: "b"}) {
		t.Fatal("second send should drop")
	}

	stats := c.GetStats()
	if stats.EventsSent != 1 || stats.EventsDropped != 1 {
		t.Fatalf("stats = %+v, want 1 sent 1 dropped", stats)
	}

	got := <-c.Events
	if got.ID != "a" {
		t.Fatalf("delivered event %q, want a", got.ID)
	}
}

func TestSendUpdateRespectsContext(t *testing.T) {
	c := NewChannels(0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if c.SendUpdate(ctx, models.AccountUpdate{Key: "k"}) {
		t.Fatal("send on cancelled context should fail")
	}
}
