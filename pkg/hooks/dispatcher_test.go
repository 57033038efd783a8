package hooks

import (
	"context"
	"sync"
	"testing"

	"github.com/blakebarnett/locai/pkg/engineerr"
	"github.com/blakebarnett/locai/pkg/model"
)

type fakeSender struct {
	mu   sync.Mutex
	sent int
}

func (f *fakeSender) Send(ctx context.Context, desc model.WebhookDescriptor, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return nil
}

func TestHookVetoAbortsDeletion(t *testing.T) {
	d := New(nil, &fakeSender{})
	d.Register(model.HookRegistration{
		ID:      "protect",
		Events:  []model.HookEvent{model.EventBeforeDeleted},
		CanVeto: true,
		Implementation: model.HookImplementation{
			Callback: func(ctx context.Context, evt model.Event) (bool, error) {
				return true, nil
			},
		},
	})

	err := d.Dispatch(context.Background(), model.Event{Kind: model.EventBeforeDeleted, ResourceID: "memory:protected"})
	if !engineerr.Is(err, engineerr.VetoedByHook) {
		t.Fatalf("expected VetoedByHook, got %v", err)
	}
}

func TestHookPriorityOrdering(t *testing.T) {
	d := New(nil, &fakeSender{})
	var order []string
	record := func(name string) func(ctx context.Context, evt model.Event) (bool, error) {
		return func(ctx context.Context, evt model.Event) (bool, error) {
			order = append(order, name)
			return false, nil
		}
	}
	d.Register(model.HookRegistration{ID: "c", Priority: 30, Events: []model.HookEvent{model.EventCreated},
		Implementation: model.HookImplementation{Callback: record("c")}})
	d.Register(model.HookRegistration{ID: "a", Priority: 10, Events: []model.HookEvent{model.EventCreated},
		Implementation: model.HookImplementation{Callback: record("a")}})
	d.Register(model.HookRegistration{ID: "b", Priority: 20, Events: []model.HookEvent{model.EventCreated},
		Implementation: model.HookImplementation{Callback: record("b")}})

	if err := d.Dispatch(context.Background(), model.Event{Kind: model.EventCreated}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expected ascending priority order a,b,c; got %v", order)
	}
}

func TestNonVetoHookFailureIsSuppressed(t *testing.T) {
	d := New(nil, &fakeSender{})
	d.Register(model.HookRegistration{
		ID:     "flaky",
		Events: []model.HookEvent{model.EventCreated},
		Implementation: model.HookImplementation{
			Callback: func(ctx context.Context, evt model.Event) (bool, error) {
				panic("boom")
			},
		},
	})
	if err := d.Dispatch(context.Background(), model.Event{Kind: model.EventCreated}); err != nil {
		t.Fatalf("expected panic to be suppressed, got %v", err)
	}
}

func TestWebhookDeliveryNeverBlocksByDefault(t *testing.T) {
	sender := &fakeSender{}
	d := New(nil, sender)
	d.Register(model.HookRegistration{
		ID:     "wh",
		Events: []model.HookEvent{model.EventCreated},
		Implementation: model.HookImplementation{
			Webhook: &model.WebhookDescriptor{URL: "http://example.invalid/hook"},
		},
	})
	if err := d.Dispatch(context.Background(), model.Event{Kind: model.EventCreated}); err != nil {
		t.Fatalf("webhook dispatch should not fail the primary operation: %v", err)
	}
}
