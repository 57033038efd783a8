// Package events implements the Live Event Router (§4.10): subscribers
// register a filter and get a bounded buffered channel of matching
// change events; a subscriber that cannot keep up is dropped from the
// delivery rather than allowed to stall the publisher. Nothing in the
// retrieval pack does in-process pub/sub -- every WASM-facing callback in
// the teacher is a synchronous request/response call -- so this is new
// surface built in the teacher's concurrency idiom: bounded buffered
// channels, non-blocking `select default:` sends, and a logger threaded
// the way pkg/hooks.Dispatcher threads one.
package events

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/blakebarnett/locai/pkg/model"
	"github.com/blakebarnett/locai/pkg/pool"
)

// Filter narrows which events a subscriber receives. A zero-value field
// is unconstrained (matches everything for that dimension).
type Filter struct {
	ResourceKind string            // "memory" | "entity" | "relationship"; empty matches all
	Kinds        []model.HookEvent // empty matches all
	Tags         []string          // subset match against event.After["tags"] (event.Before["tags"] when After has none)
	Predicate    func(model.Event) bool
}

func (f Filter) matches(evt model.Event) bool {
	if f.ResourceKind != "" && f.ResourceKind != evt.ResourceKind {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, evt.Kind) {
		return false
	}
	if len(f.Tags) > 0 && !tagsMatch(f.Tags, evt) {
		return false
	}
	if f.Predicate != nil && !f.Predicate(evt) {
		return false
	}
	return true
}

func containsKind(kinds []model.HookEvent, k model.HookEvent) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func tagsMatch(want []string, evt model.Event) bool {
	raw, ok := evt.After["tags"]
	if !ok {
		raw, ok = evt.Before["tags"]
	}
	if !ok {
		return false
	}
	tags, ok := raw.([]string)
	if !ok {
		if asAny, ok2 := raw.([]any); ok2 {
			tags = make([]string, 0, len(asAny))
			for _, v := range asAny {
				if s, ok3 := v.(string); ok3 {
					tags = append(tags, s)
				}
			}
		} else {
			return false
		}
	}
	have := pool.GetStringSet()
	defer pool.PutStringSet(have)
	for _, t := range tags {
		have[t] = true
	}
	for _, w := range want {
		if !have[w] {
			return false
		}
	}
	return true
}

// Subscription is a live handle returned by Subscribe; read Events until
// Close or the router shuts down.
type Subscription struct {
	ID     string
	Events <-chan model.Event
}

type subscriber struct {
	id     string
	filter Filter
	ch     chan model.Event
}

// Router fans change events out to filtered subscribers.
type Router struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	bufSize int
	nodeID  string
	log     *slog.Logger
	nextSeq int
}

// Config configures the router.
type Config struct {
	BufferSize int    // per-subscriber channel capacity, default 256
	NodeID     string // stamped onto every published event for dedup in multi-instance deployments
}

// New creates a Router.
func New(cfg Config, logger *slog.Logger) *Router {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		subs:    make(map[string]*subscriber),
		bufSize: cfg.BufferSize,
		nodeID:  cfg.NodeID,
		log:     logger.With("component", "events"),
	}
}

// Subscribe registers a new subscription matching filter.
func (r *Router) Subscribe(id string, filter Filter) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		r.nextSeq++
		id = "sub-" + strconv.Itoa(r.nextSeq)
	}
	ch := make(chan model.Event, r.bufSize)
	r.subs[id] = &subscriber{id: id, filter: filter, ch: ch}
	return Subscription{ID: id, Events: ch}
}

// Unsubscribe removes a subscription and closes its channel.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[id]; ok {
		close(s.ch)
		delete(r.subs, id)
	}
}

// Publish delivers evt to every matching subscriber. Delivery never
// blocks: a subscriber whose channel is full is skipped for this event
// and the overflow is logged, per §4.10's "dropped with a logged
// overflow" rule. Within a single subscriber, events for the same
// resource are delivered in issue order because Publish itself does not
// reorder; callers are responsible for calling Publish in issue order.
func (r *Router) Publish(ctx context.Context, evt model.Event) {
	evt.NodeID = r.nodeID

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		if !s.filter.matches(evt) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			r.log.Warn("subscriber overflow, dropping event",
				"subscriber_id", s.id, "resource_kind", evt.ResourceKind, "resource_id", evt.ResourceID)
		}
	}
}

// Shutdown closes every subscriber channel.
func (r *Router) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.subs {
		close(s.ch)
		delete(r.subs, id)
	}
}
