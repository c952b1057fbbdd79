package channel

import (
	"context"
	"testing"
	"time"

	"predictflow/models"
)

func TestSendEventBuffered(t *testing.T) {
	c := NewChannels(2, 2)
	ctx := context.Background()

	if !c.SendEvent(ctx, models.NewConnectedEvent(models.VenueKalshi, "wss://example")) {
		t.Fatal("send into empty buffer should succeed")
	}
	if !c.SendEvent(ctx, models.NewDisconnectedEvent(models.VenueKalshi)) {
		t.Fatal("send into half-full buffer should succeed")
	}

	stats := c.GetStats()
	if stats.EventsSent != 2 || stats.EventsDropped != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSendEventDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()

	c.SendEvent(ctx, models.NewDisconnectedEvent(models.VenueKalshi))
	if c.SendEvent(ctx, models.NewDisconnectedEvent(models.VenueKalshi)) {
		t.Fatal("send into full buffer should not block")
	}

	stats := c.GetStats()
	if stats.EventsSent != 1 || stats.EventsDropped != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSendSignalDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()
	signal := models.TradingSignal{MarketID: "PRES-2028", Venue: models.VenueKalshi, Side: models.SideBuy, Size: 10}

	if !c.SendSignal(ctx, signal) {
		t.Fatal("first signal should be buffered")
	}
	if c.SendSignal(ctx, signal) {
		t.Fatal("second signal should be dropped")
	}

	stats := c.GetStats()
	if stats.SignalsSent != 1 || stats.SignalsDropped != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSendCancelledContext(t *testing.T) {
	c := NewChannels(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A full buffer with a cancelled context must return promptly.
	c.SendEvent(context.Background(), models.NewDisconnectedEvent(models.VenueKalshi))
	done := make(chan bool, 1)
	go func() {
		done <- c.SendEvent(ctx, models.NewDisconnectedEvent(models.VenueKalshi))
	}()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("send on full buffer should fail")
		}
	case <-time.After(time.Second):
		t.Fatal("send blocked despite cancelled context")
	}
}

func TestCloseDrainsReceivers(t *testing.T) {
	c := NewChannels(4, 4)
	c.SendEvent(context.Background(), models.NewDisconnectedEvent(models.VenuePolymarket))
	c.Close()

	count := 0
	for range c.Events {
		count++
	}
	if count != 1 {
		t.Fatalf("drained %d events, want 1", count)
	}
	if _, open := <-c.Signals; open {
		t.Fatal("signals channel should be closed")
	}
}
