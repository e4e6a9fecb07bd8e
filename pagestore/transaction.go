package pagestore

import (
	"context"
	"fmt"

	"github.com/nimbusmq/pagedstore/pagestore/allocator"
	"github.com/nimbusmq/pagedstore/pagestore/pagefile"
	"github.com/nimbusmq/pagedstore/pagestore/snapshot"
)

// Transaction holds a private update map, a deferred-update cache, a
// per-transaction allocator wrapping the engine allocator, and
// commit/rollback semantics. A Transaction is single-threaded; the
// caller must not share it across goroutines.
type Transaction struct {
	engine *Engine

	snap     *snapshot.Snapshot
	updates  map[pagefile.PageID]UpdateEntry
	deferred map[pagefile.PageID]*DeferredUpdate
}

func (tx *Transaction) ensureUpdates() {
	if tx.updates == nil {
		tx.updates = make(map[pagefile.PageID]UpdateEntry)
	}
}

func (tx *Transaction) ensureDeferred() {
	if tx.deferred == nil {
		tx.deferred = make(map[pagefile.PageID]*DeferredUpdate)
	}
}

func (tx *Transaction) snapshot() *snapshot.Snapshot {
	if tx.snap == nil {
		tx.snap = tx.engine.OpenSnapshot()
	}
	return tx.snap
}

// Snapshot returns this transaction's snapshot, opening one lazily on
// first access.
func (tx *Transaction) Snapshot() *snapshot.Snapshot { return tx.snapshot() }

// IsReadOnly reports whether this transaction has ever allocated an
// update map. isReadOnly is equivalent to the update map being absent.
func (tx *Transaction) IsReadOnly() bool { return tx.updates == nil }

// PageSize returns the engine's fixed page size.
func (tx *Transaction) PageSize() int { return tx.engine.PageSize() }

// Pages returns the number of pages needed to hold byteLen bytes.
func (tx *Transaction) Pages(byteLen int) int { return tx.engine.Pages(byteLen) }

// AdoptAllocated marks pages as already locally Allocated, without
// touching the underlying allocator. It exists for callers (such as the
// UOW flush worker) that reserve pages from the engine's shared
// allocator ahead of a transaction's lifetime and then need to write
// their content in place once that transaction begins: without this,
// Write would treat such a page as pre-existing and allocate yet
// another page to remap it through.
func (tx *Transaction) AdoptAllocated(pages ...pagefile.PageID) {
	tx.ensureUpdates()
	for _, p := range pages {
		if _, ok := tx.updates[p]; !ok {
			tx.updates[p] = UpdateEntry{Kind: UpdateAllocated}
		}
	}
}

// Allocator returns this transaction's scoped allocator.
func (tx *Transaction) Allocator() *TxAllocator { return &TxAllocator{tx: tx} }

// Flush ensures every buffered write so far reaches stable storage.
func (tx *Transaction) Flush() error { return tx.engine.file.Sync() }

func pagingErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrPaging)...)
}

func codecTag[T any]() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}

func wrapCodec[T any](c Codec[T]) anyCodec {
	return codecHandle[T]{name: codecTag[T](), c: c}
}

// Get reads a typed value from page: a deferred update wins, then a
// locally FREED page fails with ErrPaging, then the read falls through
// to the snapshot's per-page object cache.
func Get[T any](tx *Transaction, c Codec[T], page pagefile.PageID) (T, error) {
	var zero T
	if tx.deferred != nil {
		if du, ok := tx.deferred[page]; ok {
			return du.Value.(T), nil
		}
	}
	if tx.updates != nil {
		if entry, ok := tx.updates[page]; ok && entry.Kind == UpdateFreed {
			return zero, pagingErrorf("pagestore: get freed page %d", page)
		}
	}
	snap := tx.snapshot()
	key := snapshot.CacheKey{Tag: codecTag[T](), Page: page}
	return snapshot.CacheLoad(snap, key, func() (T, error) {
		return c.Load(tx, snap.Resolve(page))
	})
}

// Put writes a typed value to page, an intra-transaction upsert whose
// behavior depends on the page's current update-map state.
func Put[T any](tx *Transaction, c Codec[T], page pagefile.PageID, value T) error {
	tx.ensureUpdates()
	entry, ok := tx.updates[page]
	if !ok {
		// First put on this page: reserve a fresh page directly from the
		// engine allocator (not the transaction-scoped wrapper — the new
		// page is bookkept via the logical page's Remapped entry, not as
		// its own Allocated entry).
		tx.snapshot()
		newID, err := tx.engine.alloc.Alloc(1)
		if err != nil {
			return fmt.Errorf("pagestore: put page %d: %w", page, ErrOutOfSpace)
		}
		tx.updates[page] = UpdateEntry{Kind: UpdateRemapped, NewPageID: newID}
		tx.ensureDeferred()
		tx.deferred[page] = &DeferredUpdate{Value: value, Codec: wrapCodec(c)}
		return nil
	}

	switch entry.Kind {
	case UpdateFreed:
		return pagingErrorf("pagestore: put freed page %d", page)
	case UpdateAllocated:
		tx.ensureDeferred()
		tx.deferred[page] = &DeferredUpdate{Value: value, Codec: wrapCodec(c)}
		return nil
	default: // UpdateRemapped
		du, ok := tx.deferred[page]
		if !ok {
			return pagingErrorf("pagestore: cannot mix cached and raw updates to page %d", page)
		}
		du.reset(value, wrapCodec(c))
		return nil
	}
}

// Remove deletes the value at page, a pure delegation to the codec,
// which schedules whatever updates (including freeing auxiliary pages
// it owns) are needed.
func Remove[T any](tx *Transaction, c Codec[T], page pagefile.PageID) error {
	return c.Remove(tx, page)
}

// Read copies the raw bytes of page into buf.
func (tx *Transaction) Read(page pagefile.PageID, buf []byte) error {
	if tx.updates != nil {
		if entry, ok := tx.updates[page]; ok {
			if entry.Kind != UpdateRemapped {
				return pagingErrorf("pagestore: read non-remapped local page %d", page)
			}
			return tx.engine.file.ReadPage(entry.NewPageID, buf)
		}
	}
	snap := tx.snapshot()
	return tx.engine.file.ReadPage(snap.Resolve(page), buf)
}

// Write overwrites the raw bytes of page with buf.
func (tx *Transaction) Write(page pagefile.PageID, buf []byte) error {
	tx.ensureUpdates()
	entry, ok := tx.updates[page]
	if !ok {
		tx.snapshot()
		newID, err := tx.engine.alloc.Alloc(1)
		if err != nil {
			return fmt.Errorf("pagestore: write page %d: %w", page, ErrOutOfSpace)
		}
		tx.updates[page] = UpdateEntry{Kind: UpdateRemapped, NewPageID: newID}
		return tx.engine.file.WritePage(newID, buf)
	}
	switch entry.Kind {
	case UpdateFreed:
		return pagingErrorf("pagestore: write freed page %d", page)
	case UpdateAllocated:
		return tx.engine.file.WritePage(page, buf)
	default: // UpdateRemapped
		return tx.engine.file.WritePage(entry.NewPageID, buf)
	}
}

// Slice acquires a multi-page window in the given access mode.
func (tx *Transaction) Slice(mode pagefile.SliceMode, page pagefile.PageID, count int) (*pagefile.Window, error) {
	if mode == pagefile.ModeRead {
		if tx.updates != nil {
			if entry, ok := tx.updates[page]; ok {
				switch entry.Kind {
				case UpdateFreed:
					return nil, pagingErrorf("pagestore: slice(READ) freed page %d", page)
				case UpdateAllocated:
					return tx.engine.file.Slice(pagefile.ModeRead, page, count)
				default: // UpdateRemapped
					return tx.engine.file.Slice(pagefile.ModeRead, entry.NewPageID, count)
				}
			}
		}
		snap := tx.snapshot()
		return tx.engine.file.Slice(pagefile.ModeRead, snap.Resolve(page), count)
	}

	tx.ensureUpdates()
	entry, ok := tx.updates[page]
	if !ok {
		snap := tx.snapshot()
		newID, err := tx.engine.alloc.Alloc(count)
		if err != nil {
			return nil, fmt.Errorf("pagestore: slice page %d: %w", page, ErrOutOfSpace)
		}
		if mode == pagefile.ModeReadWrite {
			src, err := tx.engine.file.Slice(pagefile.ModeRead, snap.Resolve(page), count)
			if err != nil {
				return nil, err
			}
			werr := tx.engine.file.WritePage(newID, src.Buf)
			_ = tx.engine.file.Unslice(src)
			if werr != nil {
				return nil, werr
			}
		}
		for i := 0; i < count; i++ {
			tx.updates[page+pagefile.PageID(i)] = UpdateEntry{Kind: UpdateAllocated}
		}
		tx.updates[page] = UpdateEntry{Kind: UpdateRemapped, NewPageID: newID}
		return tx.engine.file.Slice(mode, newID, count)
	}

	switch entry.Kind {
	case UpdateFreed:
		return nil, pagingErrorf("pagestore: slice freed page %d", page)
	case UpdateAllocated:
		return tx.engine.file.Slice(mode, page, count)
	default: // UpdateRemapped
		return tx.engine.file.Slice(mode, entry.NewPageID, count)
	}
}

// Unslice releases a window acquired via Slice.
func (tx *Transaction) Unslice(w *pagefile.Window) error {
	return tx.engine.file.Unslice(w)
}

// Commit hands (snapshot, updates, deferredUpdates) to the paged
// engine. On any failure, free allocated pages then propagate the
// error; the snapshot always closes and local state always clears, on
// both the success and failure paths.
func (tx *Transaction) Commit(ctx context.Context) error {
	failed := true
	defer func() {
		if failed {
			tx.freeAllocatedPages()
		}
		tx.engine.CloseSnapshot(tx.snap)
		tx.updates = nil
		tx.deferred = nil
		tx.snap = nil
	}()

	if tx.updates != nil {
		if _, err := tx.engine.commit(ctx, tx.snapshot(), tx.updates, tx.deferred, tx); err != nil {
			return err
		}
	}
	failed = false
	return nil
}

// Rollback discards this transaction: if an update map exists, free
// every locally allocated/remapped page; always close the snapshot and
// clear local state.
func (tx *Transaction) Rollback() {
	if tx.updates != nil {
		tx.freeAllocatedPages()
	}
	tx.engine.CloseSnapshot(tx.snap)
	tx.updates = nil
	tx.deferred = nil
	tx.snap = nil
}

// freeAllocatedPages returns every page this transaction newly obtained
// from the underlying allocator back to it, skipping FREED entries
// (which reference durable pages whose release happens only at commit).
//
// This frees the *newly allocated* physical page for each kind: the
// entry's own key for UpdateAllocated (the transaction-scoped allocator
// always keys an allocation by the fresh page itself), and the remap
// target for UpdateRemapped (the fresh page put() or write() reserved
// for redirection — the pre-existing logical key must never be freed,
// since this transaction never owned it).
func (tx *Transaction) freeAllocatedPages() {
	for key, entry := range tx.updates {
		switch entry.Kind {
		case UpdateFreed:
			continue
		case UpdateAllocated:
			_ = tx.engine.alloc.Free(key, 1)
		case UpdateRemapped:
			_ = tx.engine.alloc.Free(entry.NewPageID, 1)
		}
	}
}

// TxAllocator is a transaction-scoped allocator: it wraps the engine
// allocator so that every page it hands out or takes back is bookkept
// in the owning transaction's update map instead of touching durable
// state directly.
type TxAllocator struct {
	tx *Transaction
}

// Alloc allocates count pages directly from the engine allocator and
// records each as UpdateAllocated in the transaction's update map.
func (a *TxAllocator) Alloc(count int) (pagefile.PageID, error) {
	id, err := a.tx.engine.alloc.Alloc(count)
	if err != nil {
		return pagefile.InvalidPageID, fmt.Errorf("pagestore: tx alloc: %w", ErrOutOfSpace)
	}
	a.tx.ensureUpdates()
	for i := 0; i < count; i++ {
		a.tx.updates[id+pagefile.PageID(i)] = UpdateEntry{Kind: UpdateAllocated}
	}
	return id, nil
}

// Free records pageID..pageID+count as UpdateFreed. A page that was
// locally UpdateAllocated is returned to the underlying allocator
// immediately instead, since it never entered the durable update
// stream in the first place.
func (a *TxAllocator) Free(pageID pagefile.PageID, count int) error {
	a.tx.ensureUpdates()
	for i := 0; i < count; i++ {
		key := pageID + pagefile.PageID(i)
		if prev, existed := a.tx.updates[key]; existed && prev.Kind == UpdateAllocated {
			delete(a.tx.updates, key)
			if err := a.tx.engine.alloc.Free(key, 1); err != nil {
				return err
			}
			continue
		}
		a.tx.updates[key] = UpdateEntry{Kind: UpdateFreed}
	}
	return nil
}

// IsAllocated delegates to the engine allocator.
func (a *TxAllocator) IsAllocated(page pagefile.PageID) bool {
	return a.tx.engine.alloc.IsAllocated(page)
}

// Limit delegates to the engine allocator.
func (a *TxAllocator) Limit() pagefile.PageID {
	return a.tx.engine.alloc.Limit()
}

// Unfree is not supported at the transaction-allocator layer.
func (a *TxAllocator) Unfree(pageID pagefile.PageID, count int) error {
	return ErrUnsupported
}

// Clear is not supported at the transaction-allocator layer.
func (a *TxAllocator) Clear() error {
	return ErrUnsupported
}

var _ allocator.Allocator = (*TxAllocator)(nil)
