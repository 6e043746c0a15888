package broadcast_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/croquis/broadcast"
)

// recv drains one event or fails after a short wait.
func recv(t *testing.T, sub *broadcast.Subscriber) []byte {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

// expectNone asserts no event is pending for sub.
func expectNone(t *testing.T, sub *broadcast.Subscriber) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %q", ev)
		}
	default:
	}
}

func TestPublish_ReachesAllSubscribers(t *testing.T) {
	h := broadcast.NewHub()
	a1 := h.Subscribe(7)
	a2 := h.Subscribe(7)

	h.Publish(7, []byte("hello"))

	if got := string(recv(t, a1)); got != "hello" {
		t.Fatalf("a1 got %q", got)
	}
	if got := string(recv(t, a2)); got != "hello" {
		t.Fatalf("a2 got %q", got)
	}
}

func TestPublish_DocumentIsolation(t *testing.T) {
	h := broadcast.NewHub()
	a := h.Subscribe(1)
	b := h.Subscribe(2)

	h.Publish(1, []byte("for A"))

	if got := string(recv(t, a)); got != "for A" {
		t.Fatalf("a got %q", got)
	}
	expectNone(t, b)
}

func TestUnsubscribeBeforePublish(t *testing.T) {
	h := broadcast.NewHub()
	sub := h.Subscribe(3)
	h.Unsubscribe(3, sub)

	h.Publish(3, []byte("late"))

	// Channel is closed and empty: the unsubscribed session never sees it.
	if ev, ok := <-sub.Events(); ok {
		t.Fatalf("unsubscribed session received %q", ev)
	}
}

func TestSubscribeAfterPublish(t *testing.T) {
	h := broadcast.NewHub()
	h.Publish(4, []byte("earlier"))

	sub := h.Subscribe(4)
	expectNone(t, sub)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	h := broadcast.NewHub()
	sub := h.Subscribe(5)
	h.Unsubscribe(5, sub)
	h.Unsubscribe(5, sub) // must not panic on double close

	if n := h.Subscribers(5); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	h := broadcast.NewHub(broadcast.WithBuffer(1))
	sub := h.Subscribe(6)

	h.Publish(6, []byte("first"))
	h.Publish(6, []byte("second")) // buffer full: dropped, not blocking

	if got := string(recv(t, sub)); got != "first" {
		t.Fatalf("got %q, want first", got)
	}
	expectNone(t, sub)
}

func TestConcurrentSubscribePublish(t *testing.T) {
	h := broadcast.NewHub(broadcast.WithBuffer(64))
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			docID := int64(n % 2)
			sub := h.Subscribe(docID)
			h.Publish(docID, fmt.Appendf(nil, "event-%d", n))
			h.Unsubscribe(docID, sub)
		}(i)
	}
	wg.Wait()

	if n := h.Subscribers(0) + h.Subscribers(1); n != 0 {
		t.Fatalf("leaked %d subscribers", n)
	}
}
