package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCountdownRun(t *testing.T) {
	events := NewEventBus(100)
	c := NewCountdown(30*time.Millisecond, map[string]string{"happy": "😊"}, events)

	if err := c.Run(context.Background(), "happy"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := eventsOfType(events.Since(0), EventCountdown)
	if len(got) != 2 {
		t.Fatalf("expected 2 countdown events, got %d", len(got))
	}
	if got[0].Text != "1 - 😊 happy" || !got[0].Visible {
		t.Fatalf("first overlay = %q visible=%v", got[0].Text, got[0].Visible)
	}
	if got[1].Text != "0 - 😊 happy" || !got[1].Visible {
		t.Fatalf("last overlay = %q visible=%v, want still shown at zero", got[1].Text, got[1].Visible)
	}

	c.Hide("happy")
	got = eventsOfType(events.Since(0), EventCountdown)
	if len(got) != 3 || got[2].Visible {
		t.Fatalf("Hide should publish a hidden overlay, got %+v", got)
	}
}

func TestCountdownCancel(t *testing.T) {
	events := NewEventBus(100)
	c := NewCountdown(3*time.Second, nil, events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, "sad") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	got := eventsOfType(events.Since(0), EventCountdown)
	if len(got) != 2 {
		t.Fatalf("expected show and hide events, got %d", len(got))
	}
	if got[0].Text != "3 -  sad" || !got[0].Visible {
		t.Fatalf("first overlay = %q, want unknown label rendered without a glyph", got[0].Text)
	}
	if got[1].Visible {
		t.Fatalf("overlay must be hidden on cancel")
	}
}

func TestCountdownZero(t *testing.T) {
	events := NewEventBus(10)
	c := NewCountdown(0, nil, events)

	if err := c.Run(context.Background(), "fear"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	c.Hide("fear")
	if events.LastSeq() != 0 {
		t.Fatalf("zero countdown should not show or hide the overlay")
	}
}
