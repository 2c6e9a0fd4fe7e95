package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TaskFaulted, Data: TaskEvent{ID: 3}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TaskFaulted {
				t.Fatalf("type = %q", e.Type)
			}
			if e.Time.IsZero() {
				t.Fatal("publish should stamp time")
			}
			if te, ok := e.Data.(TaskEvent); !ok || te.ID != 3 {
				t.Fatalf("data = %#v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TaskCompleted})
	b.Publish(Event{Type: TaskCompleted}) // must not block
	if len(ch) != 1 {
		t.Fatalf("len = %d, want 1", len(ch))
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: TaskCompleted})
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()
	f := Filter(TaskFaulted, TaskSlow)
	if !f(Event{Type: TaskSlow}) || f(Event{Type: TaskCompleted}) {
		t.Fatal("filter mismatch")
	}
}
