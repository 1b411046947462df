package realtime

import (
	"sync"
	"testing"
	"time"

	"parley/pkg/models"
)

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := NewHub(16)
	defer h.Close()

	var mu sync.Mutex
	var got [][]string
	for i := 0; i < 3; i++ {
		idx := i
		got = append(got, nil)
		h.Subscribe(func(ev *Event) {
			mu.Lock()
			got[idx] = append(got[idx], ev.Message.ID)
			mu.Unlock()
		})
	}

	h.Publish(models.Message{ID: "m1", Thread: "t1", Sender: "alice", Body: "hi"})
	h.Publish(models.Message{ID: "m2", Thread: "t1", Sender: "bob", Body: "yo"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ids := range got {
			if len(ids) != 2 {
				return false
			}
		}
		return true
	}, "fanout to all subscribers")

	mu.Lock()
	defer mu.Unlock()
	for i, ids := range got {
		if ids[0] != "m1" || ids[1] != "m2" {
			t.Fatalf("subscriber %d saw order %v", i, ids)
		}
	}
}

func TestClosedSubscriptionStopsDelivery(t *testing.T) {
	h := NewHub(16)
	defer h.Close()

	var mu sync.Mutex
	n := 0
	sub := h.Subscribe(func(*Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	h.Publish(models.Message{ID: "m1", Thread: "t1", Sender: "a", Body: "x"})
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return n == 1 }, "first delivery")

	sub.Close()
	h.Publish(models.Message{ID: "m2", Thread: "t1", Sender: "a", Body: "y"})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if n != 1 {
		t.Fatalf("delivery after Close: handler ran %d times", n)
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	h := NewHub(1)
	defer h.Close()

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	sub := h.Subscribe(func(*Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	})

	// first event occupies the handler, second fills the queue, the rest drop
	for i := 0; i < 5; i++ {
		h.Publish(models.Message{ID: "m", Thread: "t", Sender: "a", Body: "x"})
	}
	<-started

	done := make(chan struct{})
	go func() {
		h.Publish(models.Message{ID: "last", Thread: "t", Sender: "a", Body: "x"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if sub.Dropped() == 0 {
		t.Fatal("expected dropped events on a full queue")
	}
	close(block)
}
