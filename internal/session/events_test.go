package session

import (
	"testing"
	"time"
)

func TestEventBusSince(t *testing.T) {
	bus := NewEventBus(3)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventWarning, Count: i})
	}

	all := bus.Since(0)
	if len(all) != 3 {
		t.Fatalf("bus kept %d events, want 3", len(all))
	}
	if all[0].Seq != 3 || all[2].Seq != 5 {
		t.Fatalf("unexpected retained sequence range %d..%d", all[0].Seq, all[2].Seq)
	}
	if got := bus.Since(4); len(got) != 1 || got[0].Count != 4 {
		t.Fatalf("Since(4) = %+v", got)
	}
	if got := bus.Since(5); len(got) != 0 {
		t.Fatalf("Since(last) should be empty, got %d", len(got))
	}
	if all[0].Timestamp.IsZero() {
		t.Fatalf("timestamp not assigned")
	}
}

func TestEventBusSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	ch, cancel := bus.Subscribe(4)

	bus.Publish(Event{Type: EventQueuePaused})

	select {
	case e := <-ch:
		if e.Type != EventQueuePaused || e.Seq != 1 {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive event")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}
	bus.Publish(Event{Type: EventQueueResumed})
}
