// Package versioning implements the Versioning Subsystem (§4.7): Full/Delta
// version chains, time-travel reconstruction with an LRU cache, promotion,
// diff, compression, and validate/repair. The SQL shape of the
// version chain (composite id/version temporal pattern) is grounded on
// GoKitt's internal/store note-versioning trio
// (CreateNote/UpdateNote/GetNoteAtTime/RestoreNoteVersion); the
// reconstruction cache, promotion criteria, and compression are new surface
// built in the same idiom since the teacher caches and compresses nothing.
package versioning

import (
	"compress/flate"
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blakebarnett/locai/internal/store"
	"github.com/blakebarnett/locai/pkg/engineerr"
	"github.com/blakebarnett/locai/pkg/model"
)

// Config configures chain/promotion/cache/compression thresholds, each
// named directly from §4.7.
type Config struct {
	FullVersionWindow          int           // last N kept as Full, default 10
	MaxDeltaChainLength        int           // default 100
	PromotionAccessThreshold   int           // default 20
	PromotionTimeWindow        time.Duration // default 1h
	PromotionCostThresholdMS   int64         // default 50
	CompressionThresholdDays   int           // default 30
	ReconstructionCacheSize    int           // default 500
	ReconstructionCacheTTL     time.Duration // default 10m
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		FullVersionWindow:        10,
		MaxDeltaChainLength:      100,
		PromotionAccessThreshold: 20,
		PromotionTimeWindow:      time.Hour,
		PromotionCostThresholdMS: 50,
		CompressionThresholdDays: 30,
		ReconstructionCacheSize:  500,
		ReconstructionCacheTTL:   10 * time.Minute,
	}
}

// Store is the versioning subsystem, composed over a storage Backend.
type Store struct {
	cfg     Config
	backend store.Backend
	cache   *reconstructionCache

	mu            sync.Mutex
	accessWindow  map[string][]time.Time // memory_id -> recent access timestamps, for promotion criterion (b)
}

// New creates a versioning Store over backend.
func New(backend store.Backend, cfg Config) *Store {
	if cfg.FullVersionWindow <= 0 {
		cfg.FullVersionWindow = 10
	}
	if cfg.MaxDeltaChainLength <= 0 {
		cfg.MaxDeltaChainLength = 100
	}
	if cfg.ReconstructionCacheSize <= 0 {
		cfg.ReconstructionCacheSize = 500
	}
	if cfg.ReconstructionCacheTTL <= 0 {
		cfg.ReconstructionCacheTTL = 10 * time.Minute
	}
	return &Store{
		cfg:          cfg,
		backend:      backend,
		cache:        newReconstructionCache(cfg.ReconstructionCacheSize, cfg.ReconstructionCacheTTL),
		accessWindow: make(map[string][]time.Time),
	}
}

// CreateVersion appends a new version for memoryID. The first version (no
// parent) is always Full; subsequent versions are Delta against the
// previous Full unless the Full window has not yet been exceeded. After
// persisting, any version that has aged out of the Full window but is
// still stored Full is demoted to Delta (§4.7: "the last N versions ...
// kept as Full; older versions are converted to Delta").
func (s *Store) CreateVersion(ctx context.Context, memoryID, content string, metadata map[string]any, now int64) (*model.MemoryVersion, error) {
	existing, err := s.backend.ListVersions(ctx, memoryID)
	if err != nil {
		return nil, fmt.Errorf("versioning: failed to list versions for %s: %w", memoryID, err)
	}

	versionID := model.VersionIDPrefix + uuid.New().String()

	// Fall back to a Full version when there is no history yet, or when the
	// last FullVersionWindow versions are all still Full (keep N Full).
	makeFull := len(existing) == 0 || countRecentFull(existing, s.cfg.FullVersionWindow) < s.cfg.FullVersionWindow

	var parentID string
	if len(existing) > 0 {
		parentID = existing[0].VersionID // ListVersions orders created_at DESC
	}

	row := buildVersionRow(versionID, memoryID, parentID, now, makeFull, content, metadata, existing)
	if err := s.backend.PutVersion(ctx, row); err != nil {
		return nil, fmt.Errorf("versioning: failed to persist version %s: %w", versionID, err)
	}

	combined := append([]*store.MemoryVersionRow{row}, existing...)
	if err := s.demoteStaleFulls(ctx, combined); err != nil {
		return nil, err
	}
	return rowToModel(row)
}

// demoteStaleFulls converts any Full version outside the most recent
// FullVersionWindow positions of versions (newest-first) into a Delta
// against the nearest Full version still inside the window, keeping the
// chain's Full count bounded instead of letting Full versions accumulate
// forever as new versions are appended.
func (s *Store) demoteStaleFulls(ctx context.Context, versions []*store.MemoryVersionRow) error {
	window := s.cfg.FullVersionWindow
	if len(versions) <= window {
		return nil
	}

	var anchor *store.MemoryVersionRow
	for i := 0; i < window && i < len(versions); i++ {
		if versions[i].IsFull {
			anchor = versions[i]
			break
		}
	}
	if anchor == nil {
		// No Full version inside the window yet to demote against; leave
		// the chain as-is until one lands there.
		return nil
	}
	anchorContent, err := fullRowContent(anchor)
	if err != nil {
		return fmt.Errorf("versioning: failed to read anchor content for %s: %w", anchor.VersionID, err)
	}

	for i := window; i < len(versions); i++ {
		v := versions[i]
		if !v.IsFull || v.VersionID == anchor.VersionID {
			continue
		}
		content, err := fullRowContent(v)
		if err != nil {
			return fmt.Errorf("versioning: failed to read content for %s: %w", v.VersionID, err)
		}
		hunks := Diff(anchorContent, content)
		hunksJSON, err := json.Marshal(hunks)
		if err != nil {
			return fmt.Errorf("versioning: failed to marshal demotion hunks for %s: %w", v.VersionID, err)
		}
		v.IsFull = false
		v.BaseVersionID = anchor.VersionID
		v.HunksJSON = string(hunksJSON)
		v.Content = ""
		v.IsCompressed = false
		v.CompressedData = nil
		if err := s.backend.PutVersion(ctx, v); err != nil {
			return fmt.Errorf("versioning: failed to demote version %s: %w", v.VersionID, err)
		}
	}
	return nil
}

// fullRowContent returns a Full row's content, decompressing it first if
// it was already compressed in place.
func fullRowContent(row *store.MemoryVersionRow) (string, error) {
	if !row.IsCompressed {
		return row.Content, nil
	}
	return decompress(row.CompressedData)
}

// buildVersionRow builds the persisted row for a new version, storing a
// Delta against the nearest Full ancestor when makeFull is false.
func buildVersionRow(versionID, memoryID, parentID string, now int64, makeFull bool, content string, metadata map[string]any, existing []*store.MemoryVersionRow) *store.MemoryVersionRow {
	metaJSON, _ := json.Marshal(metadata)
	row := &store.MemoryVersionRow{
		VersionID:            versionID,
		MemoryID:             memoryID,
		CreatedAt:            now,
		ParentVersionID:      parentID,
		IsFull:               true,
		Content:              content,
		MetadataSnapshotJSON: string(metaJSON),
	}
	if makeFull || parentID == "" {
		return row
	}

	// Find the nearest Full ancestor to diff against.
	base := nearestFull(existing)
	if base == nil {
		return row // no Full ancestor found; fall back to storing Full
	}
	hunks := Diff(base.Content, content)
	hunksJSON, _ := json.Marshal(hunks)
	row.IsFull = false
	row.Content = ""
	row.BaseVersionID = base.VersionID
	row.HunksJSON = string(hunksJSON)
	return row
}

func countRecentFull(versions []*store.MemoryVersionRow, window int) int {
	count := 0
	for i, v := range versions {
		if i >= window {
			break
		}
		if v.IsFull {
			count++
		}
	}
	return count
}

func nearestFull(versions []*store.MemoryVersionRow) *store.MemoryVersionRow {
	for _, v := range versions {
		if v.IsFull {
			return v
		}
	}
	return nil
}

// RowToModel converts a persisted version row into its model form, exposed
// for callers (the engine facade) that list raw chain rows directly.
func RowToModel(row *store.MemoryVersionRow) (*model.MemoryVersion, error) {
	return rowToModel(row)
}

func rowToModel(row *store.MemoryVersionRow) (*model.MemoryVersion, error) {
	v := &model.MemoryVersion{
		VersionID:       row.VersionID,
		MemoryID:        row.MemoryID,
		CreatedAt:       row.CreatedAt,
		ParentVersionID: row.ParentVersionID,
		IsCompressed:    row.IsCompressed,
	}
	if row.IsFull {
		var meta map[string]any
		if row.MetadataSnapshotJSON != "" {
			if err := json.Unmarshal([]byte(row.MetadataSnapshotJSON), &meta); err != nil {
				return nil, err
			}
		}
		v.Content = model.VersionContent{IsFull: true, Content: row.Content, MetadataSnapshot: meta}
	} else {
		var hunks []model.Hunk
		if row.HunksJSON != "" {
			if err := json.Unmarshal([]byte(row.HunksJSON), &hunks); err != nil {
				return nil, err
			}
		}
		v.Content = model.VersionContent{IsFull: false, BaseVersionID: row.BaseVersionID, Hunks: hunks}
	}
	return v, nil
}

// Reconstruct materialises the content of versionID, walking ancestors to a
// Full base and applying hunks in ascending (oldest-first) order. Results
// are cached in the bounded LRU.
func (s *Store) Reconstruct(ctx context.Context, versionID string) (string, error) {
	if cached, ok := s.cache.get(versionID); ok {
		return cached, nil
	}

	chain, err := s.walkToFull(ctx, versionID)
	if err != nil {
		return "", err
	}

	base := chain[len(chain)-1]
	content := base.Content
	for i := len(chain) - 2; i >= 0; i-- {
		var hunks []model.Hunk
		if err := json.Unmarshal([]byte(chain[i].HunksJSON), &hunks); err != nil {
			return "", fmt.Errorf("versioning: failed to unmarshal hunks for %s: %w", chain[i].VersionID, err)
		}
		content = Apply(content, hunks)
	}

	s.cache.put(versionID, content)
	return content, nil
}

// walkToFull returns the chain from versionID up to (and including) the
// nearest Full ancestor, ordered newest-first. A chain longer than
// MaxDeltaChainLength is reported as unreachable (forbidden cyclic/orphaned
// graphs per §9).
func (s *Store) walkToFull(ctx context.Context, versionID string) ([]*store.MemoryVersionRow, error) {
	var chain []*store.MemoryVersionRow
	seen := make(map[string]bool)
	current := versionID

	for i := 0; i <= s.cfg.MaxDeltaChainLength; i++ {
		if seen[current] {
			return nil, engineerr.New(engineerr.Internal, "cycle detected in version chain", map[string]any{"version_id": current})
		}
		seen[current] = true

		row, err := s.backend.GetVersion(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("versioning: failed to get version %s: %w", current, err)
		}
		if row == nil {
			return nil, engineerr.New(engineerr.NotFound, "version not found", map[string]any{"version_id": current})
		}
		if row.IsCompressed {
			decompressed, err := decompress(row.CompressedData)
			if err != nil {
				return nil, fmt.Errorf("versioning: failed to decompress version %s: %w", current, err)
			}
			if row.IsFull {
				row.Content = decompressed
			} else {
				row.HunksJSON = decompressed
			}
		}
		chain = append(chain, row)
		if row.IsFull {
			return chain, nil
		}
		current = row.BaseVersionID
	}
	return nil, engineerr.New(engineerr.Internal, "delta chain exceeds max length", map[string]any{
		"version_id": versionID,
		"max_length": s.cfg.MaxDeltaChainLength,
	})
}

// GetAtTime implements time travel (§4.7): returns the version whose
// created_at <= t with the largest created_at, or the earliest version with
// a marker if none qualifies.
func (s *Store) GetAtTime(ctx context.Context, memoryID string, t int64) (*model.MemoryVersion, bool, error) {
	row, err := s.backend.LatestVersionBefore(ctx, memoryID, t)
	if err != nil {
		return nil, false, fmt.Errorf("versioning: get_at_time failed for %s: %w", memoryID, err)
	}
	isEarliestMarker := false
	if row == nil {
		versions, err := s.backend.ListVersions(ctx, memoryID)
		if err != nil {
			return nil, false, err
		}
		if len(versions) == 0 {
			return nil, false, engineerr.New(engineerr.NotFound, "no versions for memory", map[string]any{"memory_id": memoryID})
		}
		row = versions[len(versions)-1] // oldest, since ListVersions orders DESC
		isEarliestMarker = true
	}
	v, err := rowToModel(row)
	if err != nil {
		return nil, false, err
	}
	return v, isEarliestMarker, nil
}

// RecordAccess tracks an access to versionID's owning memory for promotion
// criterion (b): access frequency in a sliding window.
func (s *Store) RecordAccess(memoryID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := at.Add(-s.cfg.PromotionTimeWindow)
	window := s.accessWindow[memoryID]
	filtered := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	filtered = append(filtered, at)
	s.accessWindow[memoryID] = filtered
}

func (s *Store) accessCountInWindow(memoryID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accessWindow[memoryID])
}

// ShouldPromote evaluates the four promotion criteria from §4.7 for a
// Delta version about to be (or already) reconstructed in reconstructMS.
func (s *Store) ShouldPromote(chainLength int, memoryID string, reconstructMS int64, explicit bool) bool {
	if explicit {
		return true
	}
	if chainLength > s.cfg.MaxDeltaChainLength {
		return true
	}
	if s.accessCountInWindow(memoryID) > s.cfg.PromotionAccessThreshold {
		return true
	}
	if reconstructMS > s.cfg.PromotionCostThresholdMS {
		return true
	}
	return false
}

// Promote converts a Delta version to Full in place by reconstructing its
// content and rewriting the row.
func (s *Store) Promote(ctx context.Context, versionID string) error {
	content, err := s.Reconstruct(ctx, versionID)
	if err != nil {
		return err
	}
	row, err := s.backend.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if row == nil {
		return engineerr.New(engineerr.NotFound, "version not found", map[string]any{"version_id": versionID})
	}
	row.IsFull = true
	row.Content = content
	row.BaseVersionID = ""
	row.HunksJSON = ""
	return s.backend.PutVersion(ctx, row)
}

// Compress compresses versions older than CompressionThresholdDays in
// place; Reconstruct transparently decompresses via walkToFull.
func (s *Store) Compress(ctx context.Context, memoryID string, now int64) (int, error) {
	versions, err := s.backend.ListVersions(ctx, memoryID)
	if err != nil {
		return 0, err
	}
	thresholdMS := int64(s.cfg.CompressionThresholdDays) * 24 * 60 * 60 * 1000
	count := 0
	for _, v := range versions {
		if v.IsCompressed || now-v.CreatedAt < thresholdMS {
			continue
		}
		var payload string
		if v.IsFull {
			payload = v.Content
		} else {
			payload = v.HunksJSON
		}
		compressed, err := compress(payload)
		if err != nil {
			return count, err
		}
		v.CompressedData = compressed
		v.IsCompressed = true
		if v.IsFull {
			v.Content = ""
		} else {
			v.HunksJSON = ""
		}
		if err := s.backend.PutVersion(ctx, v); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func compress(s string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(s)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ValidationReport summarizes chain problems found by Validate.
type ValidationReport struct {
	MissingParents []string
	Cycles         []string
	DanglingBases  []string
	Unrecoverable  []string
}

// Validate scans memoryID's version chain for missing parents, cycles, and
// dangling delta bases (§4.7).
func (s *Store) Validate(ctx context.Context, memoryID string) (*ValidationReport, error) {
	versions, err := s.backend.ListVersions(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.MemoryVersionRow, len(versions))
	for _, v := range versions {
		byID[v.VersionID] = v
	}

	report := &ValidationReport{}
	for _, v := range versions {
		if v.ParentVersionID != "" {
			if _, ok := byID[v.ParentVersionID]; !ok {
				report.MissingParents = append(report.MissingParents, v.VersionID)
			}
		}
		if !v.IsFull && v.BaseVersionID != "" {
			if _, ok := byID[v.BaseVersionID]; !ok {
				report.DanglingBases = append(report.DanglingBases, v.VersionID)
			}
		}
		if _, err := s.walkToFull(ctx, v.VersionID); err != nil {
			if engineerr.Is(err, engineerr.Internal) {
				report.Cycles = append(report.Cycles, v.VersionID)
			}
		}
	}
	return report, nil
}

// Repair attempts to promote orphaned Delta versions to Full by
// reconstructing from any reachable ancestor; versions that cannot be
// reconstructed are recorded as unrecoverable.
func (s *Store) Repair(ctx context.Context, report *ValidationReport) *ValidationReport {
	repaired := &ValidationReport{}
	for _, versionID := range append(append([]string{}, report.DanglingBases...), report.Cycles...) {
		if err := s.Promote(ctx, versionID); err != nil {
			repaired.Unrecoverable = append(repaired.Unrecoverable, versionID)
		}
	}
	return repaired
}

// =============================================================================
// Reconstruction cache (bounded LRU with TTL)
// =============================================================================

type cacheEntry struct {
	key       string
	content   string
	expiresAt time.Time
}

type reconstructionCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	index    map[string]*list.Element
}

func newReconstructionCache(capacity int, ttl time.Duration) *reconstructionCache {
	return &reconstructionCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (c *reconstructionCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.ll.Remove(el)
		delete(c.index, key)
		return "", false
	}
	c.ll.MoveToFront(el)
	return entry.content, true
}

func (c *reconstructionCache) put(key, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		el.Value.(*cacheEntry).content = content
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}
	entry := &cacheEntry{key: key, content: content, expiresAt: time.Now().Add(c.ttl)}
	el := c.ll.PushFront(entry)
	c.index[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*cacheEntry).key)
		}
	}
}
