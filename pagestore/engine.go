// Package pagestore is a paged, copy-on-write, snapshot-isolated
// transaction engine: snapshot acquisition, per-transaction page
// redirection, copy-on-write allocation on first write, deferred object
// caching, and atomic commit/rollback, logged with zap and traced with
// OpenTelemetry.
package pagestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nimbusmq/pagedstore/pagestore/allocator"
	"github.com/nimbusmq/pagedstore/pagestore/pagefile"
	"github.com/nimbusmq/pagedstore/pagestore/snapshot"
)

// Engine is the paged engine commit core: it applies a transaction's
// updates atomically, publishes a new snapshot, and schedules
// superseded pages for reclamation.
type Engine struct {
	file   *pagefile.PageFile
	alloc  allocator.Allocator
	snaps  *snapshot.Manager
	root   pagefile.RootRecord
	mu     sync.Mutex // serializes commits from the flush worker and the broker's queue-directory operations
	logger *zap.Logger
	tracer trace.Tracer
}

// Open creates the on-disk page file (if absent) under dir with the
// given page size and limit (maximum addressable pages), and returns a
// ready-to-use Engine.
func Open(dir string, pageSize int, limit pagefile.PageID, logger *zap.Logger, tracer trace.Tracer, reg prometheus.Registerer) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("pagestore")
	}
	pf, err := pagefile.New(dir, pageSize, logger)
	if err != nil {
		return nil, err
	}
	root, err := pf.Open()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		file:   pf,
		root:   *root,
		logger: logger.With(zap.String("component", "engine")),
		tracer: tracer,
	}
	bm := allocator.NewBitmap(limit, reg)
	e.alloc = bm
	e.snaps = snapshot.New(func(pages []pagefile.PageID) {
		for _, p := range pages {
			_ = bm.Free(p, 1)
		}
	}, logger)
	return e, nil
}

// Allocator returns the engine-wide page allocator.
func (e *Engine) Allocator() allocator.Allocator { return e.alloc }

// PageFile returns the underlying page file.
func (e *Engine) PageFile() *pagefile.PageFile { return e.file }

// PageSize returns the configured page size.
func (e *Engine) PageSize() int { return e.file.PageSize() }

// Pages returns the number of pages needed to hold byteLen bytes.
func (e *Engine) Pages(byteLen int) int { return e.file.Pages(byteLen) }

// OpenSnapshot hands out the currently published snapshot, incrementing
// its reference count.
func (e *Engine) OpenSnapshot() *snapshot.Snapshot {
	return e.snaps.Open()
}

// CloseSnapshot releases a snapshot reference.
func (e *Engine) CloseSnapshot(s *snapshot.Snapshot) {
	e.snaps.Close(s)
}

// BeginTx starts a new transaction. A read-only transaction never
// instantiates an update map: isReadOnly is defined as the update map
// being absent.
func (e *Engine) BeginTx() *Transaction {
	return &Transaction{engine: e}
}

// commit is the atomic publication step:
//  1. encode every deferred update through its codec
//  2. persist the root record (written pages already reached the file)
//  3. publish a new snapshot
//  4. schedule reclamation of pages superseded by remappings
//
// Failure at any stage before publication leaves the engine in its
// pre-commit state; freeAllocatedPages on the caller's Transaction
// handles releasing pages allocated-but-uncommitted by this attempt.
func (e *Engine) commit(ctx context.Context, base *snapshot.Snapshot, updates map[pagefile.PageID]UpdateEntry, deferred map[pagefile.PageID]*DeferredUpdate, tx *Transaction) (*snapshot.Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "pagestore.engine.commit")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: encode every deferred update through its codec. The codec
	// writes through tx.Write keyed by the *logical* page, which already
	// resolves to the right physical destination via the update-map
	// entry (UpdateAllocated writes in place, UpdateRemapped redirects
	// to its NewPageID) — using du.PageID here instead would bypass that
	// resolution and write to a second, freshly (and wrongly) allocated
	// page.
	for page, du := range deferred {
		if err := du.Codec.storeAny(tx, page, du.Value); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("pagestore: encode deferred update for page %d: %w", page, err)
		}
	}

	// Step 2: persist the root record. Raw writes already landed on disk
	// via Transaction.Write/Unslice. The root record is written back as
	// loaded at Open: nothing updates its counters or free-bitmap root,
	// and the allocator bitmap itself is not persisted.
	if err := e.file.WriteRoot(&e.root); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("pagestore: persist root record: %w", err)
	}

	// Step 3: publish a new snapshot. Remapped pages redirect logical
	// IDs to their new physical location, retiring the old one below.
	// Freed pages carry no redirection, but their physical location is
	// retired the same way: readers of snapshots predating this commit
	// may still resolve them, so they can't return to the allocator
	// until every such reader has closed.
	newRemaps := make(map[pagefile.PageID]pagefile.PageID, len(updates))
	var oldPhysical []pagefile.PageID
	for logical, entry := range updates {
		switch entry.Kind {
		case UpdateRemapped:
			newRemaps[logical] = entry.NewPageID
			oldPhysical = append(oldPhysical, base.Resolve(logical))
		case UpdateFreed:
			oldPhysical = append(oldPhysical, base.Resolve(logical))
		}
	}

	next := e.snaps.Publish(base, newRemaps, oldPhysical)
	span.SetAttributes(attribute.Int64("pagestore.commit.updates", int64(len(updates))), attribute.Int64("pagestore.commit.deferred", int64(len(deferred))))
	span.SetStatus(codes.Ok, "")
	return next, nil
}
