package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutWithoutBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: ReservationCreated, Data: int64(1)})
	// a is full now; this one is dropped for a but not for c
	b.Publish(Event{Type: ReservationConfirmed, Data: int64(1)})

	if e := <-a; e.Type != ReservationCreated || e.Time.IsZero() {
		t.Fatalf("a got %+v, want stamped %s", e, ReservationCreated)
	}
	select {
	case e := <-a:
		t.Fatalf("a got unexpected %+v", e)
	default:
	}
	for _, want := range []string{ReservationCreated, ReservationConfirmed} {
		select {
		case e := <-c:
			if e.Type != want {
				t.Fatalf("c got %s, want %s", e.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("c missed %s", want)
		}
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: JobFired})
	if _, ok := <-a; ok {
		t.Fatal("unsubscribed channel must be closed")
	}
}
