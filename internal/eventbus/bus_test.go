package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubC()

	b.Publish(Event{Type: DispatchStarted})
	if e := <-a; e.Type != DispatchStarted || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
	if e := <-c; e.Type != DispatchStarted {
		t.Fatalf("event = %+v", e)
	}

	// full buffer drops instead of blocking
	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"})
	if e := <-c; e.Type != "one" {
		t.Fatalf("event = %+v", e)
	}
	if e := <-a; e.Type != "one" {
		t.Fatalf("event = %+v", e)
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: "after"})
}
