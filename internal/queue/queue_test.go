package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	want := Message{Type: "record.created", Body: []byte(`{"id":"r1"}`)}
	if err := q.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-msgs:
		if got.Type != want.Type || string(got.Body) != string(want.Body) {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemoryPublishHonorsCancellation(t *testing.T) {
	q := NewInMemory(1)
	ctx := context.Background()
	if err := q.Publish(ctx, Message{Type: "a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Queue full and nobody consuming: a cancelled publish must not hang.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.Publish(cancelled, Message{Type: "b"}); err == nil {
		t.Error("expected error publishing to full queue with cancelled context")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	msg := Message{Type: "session.completed", Body: []byte(`{"summary":{"total":40}}`)}
	got, err := deserialize(serialize(msg))
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.Type != msg.Type || string(got.Body) != string(msg.Body) {
		t.Errorf("round trip mangled message: %+v", got)
	}
}
