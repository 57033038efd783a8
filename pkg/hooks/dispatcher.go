// Package hooks implements the Hook Dispatcher (§4.5): priority-ordered
// lifecycle hook invocation, veto semantics on before_deleted, per-hook
// timeouts, and fire-and-forget webhook delivery with bounded exponential
// backoff and jitter. Dispatch is grounded on GoKitt's pkg/batch.Service
// provider-keyed switch (generalized here to hook-kind dispatch) and on
// pkg/scanner/conductor.Conductor's ordered multi-stage pipeline, where a
// stage's failure is logged and the pipeline continues.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/blakebarnett/locai/pkg/engineerr"
	"github.com/blakebarnett/locai/pkg/model"
)

// Dispatcher holds the hook registry and dispatches events to registered
// hooks. Registrations are copy-on-write: Register/Unregister build a new
// sorted slice and atomically swap it so an in-flight dispatch observes a
// consistent snapshot (§5).
type Dispatcher struct {
	hooks      atomic.Pointer[[]model.HookRegistration]
	log        *slog.Logger
	nextSeq    atomic.Int64
	httpClient WebhookSender
}

// WebhookSender abstracts webhook delivery transport so tests can substitute
// a fake without a network dependency.
type WebhookSender interface {
	Send(ctx context.Context, desc model.WebhookDescriptor, payload []byte) error
}

// New creates a Dispatcher with no hooks registered.
func New(logger *slog.Logger, sender WebhookSender) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{log: logger.With("component", "hooks"), httpClient: sender}
	empty := []model.HookRegistration{}
	d.hooks.Store(&empty)
	return d
}

// Register adds a hook, rebuilding the sorted snapshot.
func (d *Dispatcher) Register(reg model.HookRegistration) {
	current := *d.hooks.Load()
	next := make([]model.HookRegistration, len(current), len(current)+1)
	copy(next, current)
	next = append(next, reg)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Priority < next[j].Priority
	})
	d.hooks.Store(&next)
}

// Unregister removes a hook by id.
func (d *Dispatcher) Unregister(id string) {
	current := *d.hooks.Load()
	next := make([]model.HookRegistration, 0, len(current))
	for _, h := range current {
		if h.ID != id {
			next = append(next, h)
		}
	}
	d.hooks.Store(&next)
}

// List returns the current hook registrations.
func (d *Dispatcher) List() []model.HookRegistration {
	current := *d.hooks.Load()
	out := make([]model.HookRegistration, len(current))
	copy(out, current)
	return out
}

// Dispatch invokes every hook registered for evt.Kind in priority order.
// Only before_deleted hooks may veto; a veto aborts and returns
// VetoedByHook naming the vetoing hook. Non-veto failures are logged and
// suppressed.
func (d *Dispatcher) Dispatch(ctx context.Context, evt model.Event) error {
	snapshot := *d.hooks.Load()
	for _, h := range snapshot {
		if !containsEvent(h.Events, evt.Kind) {
			continue
		}

		veto, err := d.runOne(ctx, h, evt)
		if err != nil {
			d.log.Warn("hook failed", "hook_id", h.ID, "event", evt.Kind, "error", err)
			continue
		}
		if veto && evt.Kind == model.EventBeforeDeleted && h.CanVeto {
			return engineerr.New(engineerr.VetoedByHook, "deletion vetoed by hook", map[string]any{
				"hook_id": h.ID,
			})
		}
	}
	return nil
}

func containsEvent(events []model.HookEvent, kind model.HookEvent) bool {
	for _, e := range events {
		if e == kind {
			return true
		}
	}
	return false
}

// runOne runs a single hook in its own failure domain: a panic is recovered
// and converted to an error, and a configured timeout cancels the hook.
func (d *Dispatcher) runOne(ctx context.Context, h model.HookRegistration, evt model.Event) (veto bool, err error) {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(h.Timeout)*time.Millisecond)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hooks: hook %s panicked: %v", h.ID, r)
		}
	}()

	if h.Implementation.Webhook != nil {
		return false, d.deliverWebhook(ctx, h, evt)
	}
	if h.Implementation.Callback != nil {
		done := make(chan struct{})
		var cbVeto bool
		var cbErr error
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					cbErr = fmt.Errorf("hooks: hook %s panicked: %v", h.ID, r)
				}
			}()
			cbVeto, cbErr = h.Implementation.Callback(ctx, evt)
		}()
		select {
		case <-done:
			return cbVeto, cbErr
		case <-ctx.Done():
			return false, engineerr.New(engineerr.Timeout, fmt.Sprintf("hook %s timed out", h.ID), nil)
		}
	}
	return false, nil
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, h model.HookRegistration, evt model.Event) error {
	desc := *h.Implementation.Webhook
	payload := marshalEventOrPanic(evt)

	deliver := func() error {
		return d.httpClient.Send(ctx, desc, payload)
	}

	if desc.SynchronousOK {
		return deliverWithRetry(ctx, deliver, desc)
	}

	go func() {
		bg := context.Background()
		_ = deliverWithRetry(bg, func() error { return d.httpClient.Send(bg, desc, payload) }, desc)
	}()
	return nil
}

func deliverWithRetry(ctx context.Context, deliver func() error, desc model.WebhookDescriptor) error {
	maxAttempts := desc.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	base := desc.BackoffBaseMS
	if base <= 0 {
		base = 200
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(base*(1<<uint(attempt-1))) * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
			select {
			case <-time.After(backoff/2 + jitter/2):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := deliver(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("hooks: webhook delivery exhausted %d attempts: %w", maxAttempts, lastErr)
}

func marshalEventOrPanic(evt model.Event) []byte {
	data, err := marshalEvent(evt)
	if err != nil {
		// Event is a plain struct of JSON-marshalable fields; a marshal
		// failure here indicates a programming error, not a runtime
		// condition callers can react to.
		panic(fmt.Sprintf("hooks: failed to marshal event: %v", err))
	}
	return data
}
