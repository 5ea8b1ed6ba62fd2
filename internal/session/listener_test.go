package session

import (
	"testing"
)

func TestBroadcasterDeliversToAllListeners(t *testing.T) {
	t.Parallel()

	b := newBroadcaster(nil)
	ch1, cancel1 := b.subscribe(4)
	ch2, cancel2 := b.subscribe(4)
	defer cancel1()
	defer cancel2()

	b.publish(Event{Type: EventTrack, Track: &Track{Artist: "Faust", Title: "Jennifer"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Track.Artist != "Faust" {
				t.Errorf("listener %d got %+v", i, ev)
			}
		default:
			t.Fatalf("listener %d received nothing", i)
		}
	}
}

func TestBroadcasterDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	b := newBroadcaster(nil)
	ch, cancel := b.subscribe(1)
	defer cancel()

	b.publish(Event{Type: EventStatus})
	b.publish(Event{Type: EventTrack}) // queue full, dropped

	if got := len(ch); got != 1 {
		t.Fatalf("queued events = %d, want 1", got)
	}
	if ev := <-ch; ev.Type != EventStatus {
		t.Errorf("surviving event = %q, want status_update", ev.Type)
	}
}

func TestBroadcasterCancelRemovesListener(t *testing.T) {
	t.Parallel()

	b := newBroadcaster(nil)
	ch, cancel := b.subscribe(0)

	if got := b.count(); got != 1 {
		t.Fatalf("listener count = %d, want 1", got)
	}

	cancel()
	cancel() // idempotent

	if got := b.count(); got != 0 {
		t.Fatalf("listener count after cancel = %d, want 0", got)
	}

	// Channel must be closed so range loops terminate.
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}

	// Publishing after cancel must not panic.
	b.publish(Event{Type: EventStatus})
}
