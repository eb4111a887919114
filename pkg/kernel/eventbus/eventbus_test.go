package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(nil, 16)
	defer b.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	b.Subscribe("owner", InstanceStarted, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Payload.(int))
		if len(got) == 5 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		b.Publish(InstanceStarted, i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("out-of-order delivery: got %v", got)
		}
	}
}

func TestHandlerPanicDoesNotBlockOthers(t *testing.T) {
	b := New(nil, 16)
	defer b.Close()

	okCh := make(chan struct{}, 1)
	b.Subscribe("bad", InstanceStarted, func(Event) { panic("boom") })
	b.Subscribe("good", InstanceStarted, func(Event) { okCh <- struct{}{} })

	b.Publish(InstanceStarted, nil)

	select {
	case <-okCh:
	case <-time.After(2 * time.Second):
		t.Fatal("good handler never ran after bad handler panicked")
	}
}

func TestUnsubscribeAllStopsFutureDeliveries(t *testing.T) {
	b := New(nil, 16)
	defer b.Close()

	var calls int
	var mu sync.Mutex
	b.Subscribe("owner-a", InstanceStarted, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	b.UnsubscribeAll("owner-a")
	b.Publish(InstanceStarted, nil)

	// Give the dispatcher a moment, then assert nothing fired.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected 0 deliveries after UnsubscribeAll, got %d", calls)
	}
}
