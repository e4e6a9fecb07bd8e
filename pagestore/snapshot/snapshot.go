// Package snapshot implements reference-counted, append-only-published
// read views: a Manager hands out Snapshots, each carrying a per-page
// object cache, and reclaims superseded pages only once every snapshot
// that could observe them has closed.
package snapshot

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nimbusmq/pagedstore/pagestore/pagefile"
)

// retirement is a page range whose prior physical location becomes
// reclaimable once every live snapshot has moved past bornAt.
type retirement struct {
	bornAt uint64
	pages  []pagefile.PageID
}

// CacheKey identifies a cached decoded object within a snapshot.
type CacheKey struct {
	Tag  string
	Page pagefile.PageID
}

// Snapshot is an immutable view of the paged file as of a commit
// boundary. Remap holds the logical->physical redirection published by
// commits that happened at or before Head; pages not present in Remap
// live at their logical page ID unchanged.
type Snapshot struct {
	Head  uint64
	Remap map[pagefile.PageID]pagefile.PageID

	mu    sync.Mutex
	refs  int32
	cache sync.Map // CacheKey -> any
}

// Resolve maps a logical page ID to the physical page ID this snapshot
// should read, applying any redirection published at or before Head.
func (s *Snapshot) Resolve(page pagefile.PageID) pagefile.PageID {
	if p, ok := s.Remap[page]; ok {
		return p
	}
	return page
}

// CacheLoad returns the cached object for key, or calls load on a miss
// and caches the result. Cache entries never outlive the snapshot.
func CacheLoad[T any](s *Snapshot, key CacheKey, load func() (T, error)) (T, error) {
	if v, ok := s.cache.Load(key); ok {
		return v.(T), nil
	}
	v, err := load()
	if err != nil {
		var zero T
		return zero, err
	}
	s.cache.Store(key, v)
	return v, nil
}

// Manager publishes snapshots and reclaims pages once they're
// unobservable by any live reader.
type Manager struct {
	mu          sync.Mutex
	current     *Snapshot
	head        uint64
	live        map[*Snapshot]int32 // snapshot -> outstanding refs
	retirements []retirement
	free        func(pages []pagefile.PageID)
	logger      *zap.Logger
}

// New creates a Manager whose initial snapshot is empty (head 0, no
// remaps). free is called to return reclaimed physical pages to the
// engine allocator.
func New(free func(pages []pagefile.PageID), logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		free:   free,
		logger: logger.With(zap.String("component", "snapshot")),
		live:   make(map[*Snapshot]int32),
	}
	initial := &Snapshot{Head: 0, Remap: map[pagefile.PageID]pagefile.PageID{}}
	m.current = initial
	m.live[initial] = 1
	return m
}

// Open returns the current published snapshot with its refcount
// incremented.
func (m *Manager) Open() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	m.live[s]++
	return s
}

// Close decrements s's refcount. If it reaches zero, s stops blocking
// reclamation and any retirement that every remaining live snapshot has
// moved past is reclaimed.
func (m *Manager) Close(s *Snapshot) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(s)
}

func (m *Manager) closeLocked(s *Snapshot) {
	n, ok := m.live[s]
	if !ok {
		return
	}
	n--
	if n <= 0 {
		delete(m.live, s)
	} else {
		m.live[s] = n
	}
	m.reclaimLocked()
}

// minLiveHeadLocked returns the smallest Head among snapshots that still
// have outstanding references.
func (m *Manager) minLiveHeadLocked() (uint64, bool) {
	var min uint64
	found := false
	for s := range m.live {
		if !found || s.Head < min {
			min = s.Head
			found = true
		}
	}
	return min, found
}

func (m *Manager) reclaimLocked() {
	minHead, anyLive := m.minLiveHeadLocked()
	var kept []retirement
	for _, r := range m.retirements {
		// A retirement born at generation g is safe once no live snapshot
		// predates g — i.e. every live reader's Remap already includes
		// the redirection that made the old physical page obsolete.
		if !anyLive || minHead >= r.bornAt {
			if m.free != nil {
				m.free(r.pages)
			}
			m.logger.Debug("reclaimed retired pages", zap.Uint64("born_at", r.bornAt), zap.Int("count", len(r.pages)))
			continue
		}
		kept = append(kept, r)
	}
	m.retirements = kept
}

// Publish installs a new current snapshot built from base by applying
// newRemaps, and schedules oldPhysical for reclamation once every live
// snapshot has moved past it. The manager takes its own reference on the
// new snapshot; callers that want their own handle should Open after
// Publish.
func (m *Manager) Publish(base *Snapshot, newRemaps map[pagefile.PageID]pagefile.PageID, oldPhysical []pagefile.PageID) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := make(map[pagefile.PageID]pagefile.PageID, len(base.Remap)+len(newRemaps))
	for k, v := range base.Remap {
		merged[k] = v
	}
	for k, v := range newRemaps {
		merged[k] = v
	}

	m.head++
	next := &Snapshot{Head: m.head, Remap: merged}
	m.live[next] = 1

	if len(oldPhysical) > 0 {
		m.retirements = append(m.retirements, retirement{bornAt: m.head, pages: oldPhysical})
	}

	prev := m.current
	m.current = next
	// The manager drops its own hold on the outgoing "current" slot;
	// readers that opened prev before Publish still hold their own
	// reference and keep it alive until they Close it.
	m.closeLocked(prev)
	return next
}
