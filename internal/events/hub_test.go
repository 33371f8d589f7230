package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	h := NewHub()
	s1 := h.Subscribe(4)
	s2 := h.Subscribe(4)
	defer s1.Close()
	defer s2.Close()

	h.Publish(Event{Type: TypeLockAcquired, Path: "/f", AgentID: "a1"})

	for i, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.C:
			if ev.Type != TypeLockAcquired || ev.Path != "/f" {
				t.Fatalf("subscriber %d: got %+v", i, ev)
			}
			if ev.Timestamp.IsZero() {
				t.Fatalf("subscriber %d: timestamp not filled", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	h := NewHub()
	s := h.Subscribe(1)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Event{Type: TypeFileChanged})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	// Exactly the buffered event survives.
	if got := len(s.C); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
}

func TestCloseDetachesSubscription(t *testing.T) {
	t.Parallel()

	h := NewHub()
	s := h.Subscribe(1)
	if n := h.SubscriberCount(); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}
	s.Close()
	if n := h.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount after Close = %d, want 0", n)
	}
	if _, ok := <-s.C; ok {
		t.Fatal("channel not closed")
	}
	// Double close is a no-op.
	s.Close()
}
