// Package allocator implements the engine-wide page allocator: a
// fixed-size-page free-extent tracker with a high-water mark, backed by
// a bitmap.
package allocator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusmq/pagedstore/pagestore/pagefile"
)

// ErrOutOfSpace is returned by Alloc when no contiguous run of free pages
// of the requested length exists below the configured limit.
var ErrOutOfSpace = errors.New("allocator: out of space")

// ErrUnsupported names an allocator operation that is not implemented.
// Nothing in this package returns it: Bitmap has no Unfree or Clear, and
// pagestore.TxAllocator reports those with pagestore.ErrUnsupported.
var ErrUnsupported = errors.New("allocator: unsupported operation")

// Allocator assigns and frees page ranges. Implementations must be safe
// for concurrent use; the paged engine's single writer and many read-only
// transactions' allocators (which wrap this one, see pagestore.TxAllocator) may
// call it concurrently.
type Allocator interface {
	Alloc(count int) (pagefile.PageID, error)
	Free(pageID pagefile.PageID, count int) error
	IsAllocated(page pagefile.PageID) bool
	Limit() pagefile.PageID
}

// Bitmap is the default Allocator: one bit per page, a linear scan for the
// first long-enough run of zero bits, and a high-water mark equal to the
// bitmap's capacity.
type Bitmap struct {
	mu    sync.Mutex
	bits  []uint64
	limit pagefile.PageID

	allocatedGauge prometheus.Gauge
	freeGauge      prometheus.Gauge
}

// NewBitmap creates a Bitmap allocator over `limit` addressable pages,
// numbered 1..limit. Page 0 is reserved for the page file's root record
// and sits outside that addressable range entirely, so it never counts
// against limit: an empty store can still satisfy Alloc(limit).
func NewBitmap(limit pagefile.PageID, reg prometheus.Registerer) *Bitmap {
	words := (int(limit) + 1 + 63) / 64
	b := &Bitmap{
		bits:  make([]uint64, words),
		limit: limit,
		allocatedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagestore_pages_allocated",
			Help: "Number of pages currently allocated.",
		}),
		freeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagestore_pages_free",
			Help: "Number of pages currently free.",
		}),
	}
	b.setBitLocked(0)
	if reg != nil {
		reg.MustRegister(b.allocatedGauge, b.freeGauge)
	}
	b.updateGaugesLocked()
	return b
}

func (b *Bitmap) setBitLocked(p pagefile.PageID) {
	b.bits[p/64] |= 1 << (p % 64)
}

func (b *Bitmap) clearBitLocked(p pagefile.PageID) {
	b.bits[p/64] &^= 1 << (p % 64)
}

func (b *Bitmap) testBitLocked(p pagefile.PageID) bool {
	return b.bits[p/64]&(1<<(p%64)) != 0
}

func (b *Bitmap) updateGaugesLocked() {
	if b.allocatedGauge == nil {
		return
	}
	var allocated int
	for p := pagefile.PageID(1); p <= b.limit; p++ {
		if b.testBitLocked(p) {
			allocated++
		}
	}
	b.allocatedGauge.Set(float64(allocated))
	b.freeGauge.Set(float64(int(b.limit) - allocated))
}

// Alloc returns the first page of a contiguous run of `count` free pages
// drawn from the addressable range 1..limit.
func (b *Bitmap) Alloc(count int) (pagefile.PageID, error) {
	if count <= 0 {
		return pagefile.InvalidPageID, fmt.Errorf("allocator: alloc count must be positive, got %d", count)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	run := 0
	var start pagefile.PageID
	for p := pagefile.PageID(1); p <= b.limit; p++ {
		if b.testBitLocked(p) {
			run = 0
			continue
		}
		if run == 0 {
			start = p
		}
		run++
		if run == count {
			for q := start; q < start+pagefile.PageID(count); q++ {
				b.setBitLocked(q)
			}
			b.updateGaugesLocked()
			return start, nil
		}
	}
	return pagefile.InvalidPageID, ErrOutOfSpace
}

// Free marks count pages starting at pageID as available for reuse.
// Freeing an already-free page is a contract violation and, when
// assertFreeIsAllocated is set, panics rather than silently corrupting
// the bitmap.
func (b *Bitmap) Free(pageID pagefile.PageID, count int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for q := pageID; q < pageID+pagefile.PageID(count); q++ {
		if assertFreeIsAllocated && !b.testBitLocked(q) {
			panic(fmt.Sprintf("allocator: freeing already-free page %d", q))
		}
		b.clearBitLocked(q)
	}
	b.updateGaugesLocked()
	return nil
}

// IsAllocated reports whether page is currently allocated.
func (b *Bitmap) IsAllocated(page pagefile.PageID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.testBitLocked(page)
}

// Limit returns the highest page count this allocator can hand out.
func (b *Bitmap) Limit() pagefile.PageID {
	return b.limit
}

// assertFreeIsAllocated gates the double-free panic in Free. Tests that
// intentionally exercise the violation path can flip this off.
var assertFreeIsAllocated = true
