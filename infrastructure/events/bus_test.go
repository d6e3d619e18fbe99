package events

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(Config{QueueSize: 16})
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}, WebSocketConnected)

	bus.Publish(Event{Type: WebSocketConnected, ChainID: 1})
	bus.Publish(Event{Type: WebSocketDisconnected, ChainID: 1}) // not subscribed

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != WebSocketConnected || got[0].ChainID != 1 {
		t.Errorf("unexpected event: %+v", got[0])
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp should be stamped on publish")
	}
}

func TestEventsDeliveredInPublishOrder(t *testing.T) {
	bus := NewBus(Config{QueueSize: 256})
	defer bus.Close()

	var mu sync.Mutex
	var blocks []uint64
	bus.Subscribe(func(e Event) {
		mu.Lock()
		blocks = append(blocks, e.Data.(uint64))
		mu.Unlock()
	}, LiveBlockReceived)

	for i := uint64(1); i <= 100; i++ {
		bus.Publish(Event{Type: LiveBlockReceived, ChainID: 1, Data: i})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(blocks) == 100
	})

	mu.Lock()
	defer mu.Unlock()
	for i, b := range blocks {
		if b != uint64(i+1) {
			t.Fatalf("out of order at %d: got %d", i, b)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(Config{QueueSize: 16})
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(Event{Type: SubscriptionCreated})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	unsub()
	bus.Publish(Event{Type: SubscriptionCreated})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestOverflowDropsAndCounts(t *testing.T) {
	bus := NewBus(Config{QueueSize: 1})
	defer bus.Close()

	// Block the dispatcher so the queue cannot drain.
	blocker := make(chan struct{})
	release := sync.OnceFunc(func() { close(blocker) })
	defer release()
	bus.Subscribe(func(e Event) { <-blocker })

	for i := 0; i < 50; i++ {
		bus.Publish(Event{Type: LiveBalanceUpdated})
	}
	_, dropped := bus.Stats()
	if dropped == 0 {
		t.Error("expected drops under overflow")
	}
	release()
}
