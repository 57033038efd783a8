// Package lifecycle implements the Lifecycle Tracker (§4.4): access-count
// and last-accessed maintenance in batched, async, or blocking modes.
// Shaped after GoKitt's pkg/docstore.Store: a sync.RWMutex-guarded map with
// Upsert/Get/Remove/Count, generalized here into a merge-commutative pending
// queue drained by a background ticker goroutine.
package lifecycle

import (
	"context"
	"sync"
	"time"
)

// Mode selects how access updates are applied.
type Mode int

const (
	ModeBatched Mode = iota
	ModeAsync
	ModeBlocking
)

// Applier performs the durable access-count/last-accessed update against the
// backend; the tracker itself holds no storage dependency.
type Applier interface {
	ApplyAccess(ctx context.Context, memoryID string, deltaCount uint64, lastAccessed int64) error
}

// pending tracks the not-yet-flushed access delta for one memory.
type pending struct {
	deltaCount   uint64
	lastAccessed int64
}

// Config configures queue bounds and flush triggers.
type Config struct {
	Mode               Mode
	FlushInterval      time.Duration // default 60s
	FlushSizeThreshold int           // default 100
	QueueCapacity      int           // default 1000
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Mode:               ModeBatched,
		FlushInterval:      60 * time.Second,
		FlushSizeThreshold: 100,
		QueueCapacity:      1000,
	}
}

// Tracker maintains the in-process pending-access queue and flushes it on a
// timer, a size threshold, or explicit Shutdown.
type Tracker struct {
	cfg     Config
	applier Applier

	mu      sync.RWMutex
	pending map[string]*pending

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// logFailedFlush is called with the dropped memory ids on a flush
	// failure, so counts may be under-reported under persistent backend
	// failure -- documented and testable per §4.4.
	logFailedFlush func(ids []string, err error)
}

// New creates a Tracker and starts its background flush loop when the mode
// is batched.
func New(cfg Config, applier Applier, onFlushFailure func(ids []string, err error)) *Tracker {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	if cfg.FlushSizeThreshold <= 0 {
		cfg.FlushSizeThreshold = 100
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	t := &Tracker{
		cfg:            cfg,
		applier:        applier,
		pending:        make(map[string]*pending),
		stop:           make(chan struct{}),
		logFailedFlush: onFlushFailure,
	}
	if cfg.Mode == ModeBatched {
		t.wg.Add(1)
		go t.flushLoop()
	}
	return t
}

// RecordAccess records one access to memoryID at timestamp ts (unix millis).
// In blocking mode it applies the update synchronously; in async mode it
// spawns a detached update; in batched mode it enqueues.
func (t *Tracker) RecordAccess(ctx context.Context, memoryID string, ts int64) error {
	switch t.cfg.Mode {
	case ModeBlocking:
		return t.applier.ApplyAccess(ctx, memoryID, 1, ts)
	case ModeAsync:
		go func() {
			_ = t.applier.ApplyAccess(context.Background(), memoryID, 1, ts)
		}()
		return nil
	default:
		return t.enqueue(ctx, memoryID, ts)
	}
}

func (t *Tracker) enqueue(ctx context.Context, memoryID string, ts int64) error {
	t.mu.Lock()
	p, exists := t.pending[memoryID]
	if !exists && len(t.pending) >= t.cfg.QueueCapacity {
		// Overflow: fall through to a direct async update so reads never
		// stall on a full queue.
		t.mu.Unlock()
		go func() {
			_ = t.applier.ApplyAccess(context.Background(), memoryID, 1, ts)
		}()
		return nil
	}
	if !exists {
		p = &pending{}
		t.pending[memoryID] = p
	}
	p.deltaCount++
	if ts > p.lastAccessed {
		p.lastAccessed = ts
	}
	shouldFlush := len(t.pending) >= t.cfg.FlushSizeThreshold
	t.mu.Unlock()

	if shouldFlush {
		t.Flush(ctx)
	}
	return nil
}

// Flush drains the queue atomically and applies each drained entry with its
// own ApplyAccess call; the entries are not grouped into one backend
// operation. Merges are commutative, so flush order across memories is not
// observable.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	drained := t.pending
	t.pending = make(map[string]*pending)
	t.mu.Unlock()

	var failed []string
	var lastErr error
	for id, p := range drained {
		if err := t.applier.ApplyAccess(ctx, id, p.deltaCount, p.lastAccessed); err != nil {
			failed = append(failed, id)
			lastErr = err
		}
	}
	if len(failed) > 0 && t.logFailedFlush != nil {
		t.logFailedFlush(failed, lastErr)
	}
}

func (t *Tracker) flushLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Flush(context.Background())
		case <-t.stop:
			t.Flush(context.Background())
			return
		}
	}
}

// Shutdown stops the flush loop and performs one final flush, mirroring the
// "process shutdown" flush trigger named in §4.4.
func (t *Tracker) Shutdown() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	t.wg.Wait()
}

// PendingCount reports how many distinct memories currently sit in the queue.
func (t *Tracker) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}
