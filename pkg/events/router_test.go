package events

import (
	"context"
	"testing"
	"time"

	"github.com/blakebarnett/locai/pkg/model"
)

func TestSubscribeReceivesMatchingEvent(t *testing.T) {
	r := New(Config{BufferSize: 4, NodeID: "node-1"}, nil)
	sub := r.Subscribe("s1", Filter{ResourceKind: "memory"})

	r.Publish(context.Background(), model.Event{ResourceKind: "memory", ResourceID: "memory:a", Kind: model.EventCreated})
	r.Publish(context.Background(), model.Event{ResourceKind: "entity", ResourceID: "entity:a", Kind: model.EventCreated})

	select {
	case evt := <-sub.Events:
		if evt.ResourceID != "memory:a" {
			t.Fatalf("expected memory:a, got %s", evt.ResourceID)
		}
		if evt.NodeID != "node-1" {
			t.Fatalf("expected node id stamped, got %q", evt.NodeID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an event to be delivered")
	}

	select {
	case evt := <-sub.Events:
		t.Fatalf("did not expect entity event to pass memory-only filter, got %+v", evt)
	default:
	}
}

func TestOverflowDropsWithoutBlocking(t *testing.T) {
	r := New(Config{BufferSize: 1}, nil)
	sub := r.Subscribe("s1", Filter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Publish(context.Background(), model.Event{ResourceID: "memory:x", Kind: model.EventCreated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish should never block even when a subscriber's channel is full")
	}
	_ = sub
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := New(Config{}, nil)
	sub := r.Subscribe("s1", Filter{})
	r.Unsubscribe("s1")

	_, open := <-sub.Events
	if open {
		t.Fatalf("expected channel to be closed after unsubscribe")
	}
}

func TestTagFilterMatchesSubset(t *testing.T) {
	r := New(Config{BufferSize: 4}, nil)
	sub := r.Subscribe("s1", Filter{Tags: []string{"urgent"}})

	r.Publish(context.Background(), model.Event{
		ResourceID: "memory:a", Kind: model.EventCreated,
		After: map[string]any{"tags": []string{"urgent", "work"}},
	})
	r.Publish(context.Background(), model.Event{
		ResourceID: "memory:b", Kind: model.EventCreated,
		After: map[string]any{"tags": []string{"personal"}},
	})

	select {
	case evt := <-sub.Events:
		if evt.ResourceID != "memory:a" {
			t.Fatalf("expected memory:a to match tag filter, got %s", evt.ResourceID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a matching event")
	}

	select {
	case evt := <-sub.Events:
		t.Fatalf("did not expect memory:b to match, got %+v", evt)
	default:
	}
}
