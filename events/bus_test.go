package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	s, err := b.Subscribe("display", 4)
	if err != nil {
		t.Fatal(err)
	}
	b.Publish(Event{Kind: KindStatus, Payload: "running"})

	select {
	case ev := <-s.C():
		if ev.Kind != KindStatus || ev.Payload != "running" || ev.At.IsZero() {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestDropOldest(t *testing.T) {
	b := NewBus()
	defer b.Close()
	s, _ := b.Subscribe("slow", 3)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: KindCounters, Payload: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	var got []int
	for len(got) < 3 {
		got = append(got, (<-s.C()).Payload.(int))
	}
	if got[0] != 7 || got[1] != 8 || got[2] != 9 {
		t.Errorf("queue holds %v, want newest [7 8 9]", got)
	}
	st, err := b.Stats("slow")
	if err != nil {
		t.Fatal(err)
	}
	if st.Sent != 10 || st.Dropped != 7 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSubscribeErrors(t *testing.T) {
	b := NewBus()
	if _, err := b.Subscribe("a", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("a", 1); err != ErrSubscriberExists {
		t.Errorf("want ErrSubscriberExists, got %v", err)
	}
	if err := b.Unsubscribe("missing"); err != ErrSubscriberNotFound {
		t.Errorf("want ErrSubscriberNotFound, got %v", err)
	}
	b.Close()
	if _, err := b.Subscribe("b", 1); err != ErrBusClosed {
		t.Errorf("want ErrBusClosed, got %v", err)
	}
	b.Publish(Event{Kind: KindStatus}) // no-op after close
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := NewBus()
	s, _ := b.Subscribe("x", 2)
	b.Close()
	if _, ok := <-s.C(); ok {
		t.Error("channel still open after close")
	}
}

func TestConcurrentConsumer(t *testing.T) {
	b := NewBus()
	s, _ := b.Subscribe("fast", 8)

	var wg sync.WaitGroup
	wg.Add(1)
	last := -1
	go func() {
		defer wg.Done()
		for ev := range s.C() {
			n := ev.Payload.(int)
			if n <= last {
				t.Errorf("event %d after %d", n, last)
			}
			last = n
		}
	}()
	for i := 0; i < 1000; i++ {
		b.Publish(Event{Kind: KindPrediction, Payload: i})
	}
	b.Unsubscribe("fast")
	wg.Wait()
	st := s.Stats()
	if st.Sent != 1000 {
		t.Errorf("sent = %d", st.Sent)
	}
	if last != 999 {
		t.Errorf("last seen %d, want 999", last)
	}
}
