package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nimbusmq/pagedstore/pagestore"
	"github.com/nimbusmq/pagedstore/pagestore/pagefile"
	"github.com/nimbusmq/pagedstore/uow"
	"github.com/nimbusmq/pagedstore/uow/worker"
)

var errStoreClosed = errors.New("broker: store closed")

type entryInfo struct {
	page   pagefile.PageID
	msgKey uow.MessageKey
}

// Store is the broker-facing facade over the paged engine and the UOW
// pipeline: queue directory, a durable-message index, and UOW creation.
// Outside of queue-directory bookkeeping, message loads and Purge's
// freeing of message pages, it does not touch pages or codecs itself —
// everything that flows through a UOW reaches disk via uow/worker's
// codecs.
type Store struct {
	engine *pagestore.Engine
	coord  *uow.Coordinator
	logger *zap.Logger
	tracer trace.Tracer

	mu           sync.Mutex
	nextQueueKey uint64
	queues       map[uow.QueueKey]*QueueRecord
	queuePages   map[uow.QueueKey]pagefile.PageID
	entries      map[uow.QueueKey]map[uint64]entryInfo
	messages     map[uow.MessageKey]pagefile.PageID
	messageOwner map[uow.MessageKey]*uow.UOW
	flushWaiters map[uow.MessageKey][]func(error)

	loader *messageLoader
}

// New builds a Store over engine and coord. Neither is owned by the
// Store — callers that built them are responsible for their lifecycle.
func New(engine *pagestore.Engine, coord *uow.Coordinator, logger *zap.Logger, tracer trace.Tracer) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("broker")
	}
	s := &Store{
		engine:       engine,
		coord:        coord,
		logger:       logger.With(zap.String("component", "broker.store")),
		tracer:       tracer,
		queues:       make(map[uow.QueueKey]*QueueRecord),
		queuePages:   make(map[uow.QueueKey]pagefile.PageID),
		entries:      make(map[uow.QueueKey]map[uint64]entryInfo),
		messages:     make(map[uow.MessageKey]pagefile.PageID),
		messageOwner: make(map[uow.MessageKey]*uow.UOW),
		flushWaiters: make(map[uow.MessageKey][]func(error)),
	}
	s.loader = newMessageLoader(s, 64, 2*time.Millisecond)
	return s
}

// Close stops the Store's internal load batcher. It does not touch the
// engine or coordinator passed to New.
func (s *Store) Close() {
	s.loader.stop()
}

// AddQueue creates and durably persists a new queue record, returning
// its assigned key.
func (s *Store) AddQueue(name string, meta []byte) (uow.QueueKey, error) {
	s.mu.Lock()
	s.nextQueueKey++
	key := uow.QueueKey(s.nextQueueKey)
	s.mu.Unlock()

	rec := &QueueRecord{Key: key, Name: name, Meta: meta}
	tx := s.engine.BeginTx()
	page, err := tx.Allocator().Alloc(1)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := pagestore.Put[*QueueRecord](tx, queueRecordCodec{}, page, rec); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(context.Background()); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.queues[key] = rec
	s.queuePages[key] = page
	s.entries[key] = make(map[uint64]entryInfo)
	s.mu.Unlock()
	return key, nil
}

// RemoveQueue deletes a queue's durable record and its entry index.
// Entries already enqueued against it are not separately reclaimed —
// callers are expected to drain a queue before removing it.
func (s *Store) RemoveQueue(key uow.QueueKey) bool {
	s.mu.Lock()
	page, ok := s.queuePages[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.queues, key)
	delete(s.queuePages, key)
	delete(s.entries, key)
	s.mu.Unlock()

	tx := s.engine.BeginTx()
	if err := pagestore.Remove[*QueueRecord](tx, queueRecordCodec{}, page); err != nil {
		tx.Rollback()
		s.logger.Error("remove queue record", zap.Uint64("queue_key", uint64(key)), zap.Error(err))
		return true
	}
	if err := tx.Commit(context.Background()); err != nil {
		s.logger.Error("commit queue removal", zap.Uint64("queue_key", uint64(key)), zap.Error(err))
	}
	return true
}

// GetQueueStatus reports a queue's name and current durable entry
// count, tagging its trace span with a correlation ID.
func (s *Store) GetQueueStatus(ctx context.Context, key uow.QueueKey) (*QueueStatus, bool) {
	correlationID := uuid.New().String()
	_, span := s.tracer.Start(ctx, "broker.get_queue_status")
	defer span.End()
	span.SetAttributes(attribute.String("broker.correlation_id", correlationID), attribute.Int64("broker.queue_key", int64(key)))

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.queues[key]
	if !ok {
		return nil, false
	}
	return &QueueStatus{Key: key, Name: rec.Name, EntryCount: len(s.entries[key])}, true
}

// ListQueues returns a snapshot of every known queue record.
func (s *Store) ListQueues() []*QueueRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*QueueRecord, 0, len(s.queues))
	for _, rec := range s.queues {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// CreateStoreUOW returns a new broker-level UOW wired to update this
// Store's entry/message indexes when it completes.
func (s *Store) CreateStoreUOW() *UOW {
	inner := s.coord.CreateUOW()
	inner.OnComplete(func(err error) { s.onUOWComplete(inner, err) })
	return &UOW{inner: inner, store: s}
}

func (s *Store) onUOWComplete(u *uow.UOW, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Canceled actions are already gone from u.Actions(), so ownership is
	// released by scanning the owner index for this UOW instead.
	for msgKey, owner := range s.messageOwner {
		if owner != u {
			continue
		}
		delete(s.messageOwner, msgKey)
		for _, cb := range s.flushWaiters[msgKey] {
			cb(err)
		}
		delete(s.flushWaiters, msgKey)
	}
	for msgKey, action := range u.Actions() {
		if err != nil {
			continue
		}
		if action.Record != nil {
			s.messages[msgKey] = action.Record.PageID
		}
		for _, enq := range action.Enqueues {
			m, ok := s.entries[enq.QueueKey]
			if !ok {
				m = make(map[uint64]entryInfo)
				s.entries[enq.QueueKey] = m
			}
			m[enq.QueueSeq] = entryInfo{page: enq.PageID, msgKey: enq.MessageKey}
		}
		for _, deq := range action.Dequeues {
			if m, ok := s.entries[deq.QueueKey]; ok {
				delete(m, deq.QueueSeq)
			}
		}
	}
}

func (s *Store) trackMessageOwner(msgKey uow.MessageKey, u *uow.UOW) {
	s.mu.Lock()
	s.messageOwner[msgKey] = u
	s.mu.Unlock()
}

func (s *Store) lookupEntryPage(key uow.QueueKey, seq uint64) (pagefile.PageID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.entries[key]
	if !ok {
		return pagefile.InvalidPageID, false
	}
	info, ok := m[seq]
	return info.page, ok
}

// FlushMessage forces the UOW still holding messageKey to flush ahead
// of its delay window, invoking callback once it durably lands. If the
// message is not currently owned by any in-flight UOW — already
// durable, or never stored — callback fires immediately with a nil
// error.
func (s *Store) FlushMessage(msgKey uow.MessageKey, callback func(error)) {
	s.mu.Lock()
	u, ok := s.messageOwner[msgKey]
	if ok {
		s.flushWaiters[msgKey] = append(s.flushWaiters[msgKey], callback)
	}
	s.mu.Unlock()
	if !ok {
		callback(nil)
		return
	}
	u.CompleteASAP()
}

// ListQueueEntryRanges coalesces the queue's known durable sequence
// numbers into contiguous [first, last] runs, capped to limit ranges.
func (s *Store) ListQueueEntryRanges(key uow.QueueKey, limit int) []EntryRange {
	s.mu.Lock()
	m := s.entries[key]
	seqs := make([]uint64, 0, len(m))
	for seq := range m {
		seqs = append(seqs, seq)
	}
	s.mu.Unlock()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	var ranges []EntryRange
	for _, seq := range seqs {
		if n := len(ranges); n > 0 && ranges[n-1].LastSeq+1 == seq {
			ranges[n-1].LastSeq = seq
			continue
		}
		if limit > 0 && len(ranges) >= limit {
			break
		}
		ranges = append(ranges, EntryRange{FirstSeq: seq, LastSeq: seq})
	}
	return ranges
}

// ListQueueEntries returns every known durable entry for key with a
// sequence number in [firstSeq, lastSeq].
func (s *Store) ListQueueEntries(key uow.QueueKey, firstSeq, lastSeq uint64) []uow.QueueEntryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.entries[key]
	var out []uow.QueueEntryRecord
	for seq, info := range m {
		if seq < firstSeq || seq > lastSeq {
			continue
		}
		out = append(out, uow.QueueEntryRecord{QueueKey: key, QueueSeq: seq, MessageKey: info.msgKey, PageID: info.page})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueSeq < out[j].QueueSeq })
	return out
}

func (s *Store) loadBatch(batch []loadRequest) {
	tx := s.engine.BeginTx()
	defer tx.Rollback()
	for _, req := range batch {
		s.mu.Lock()
		page, ok := s.messages[req.key]
		s.mu.Unlock()
		if !ok {
			req.result <- loadResult{}
			continue
		}
		rec, err := pagestore.Get[*uow.MessageRecord](tx, worker.MessageCodec{}, page)
		req.result <- loadResult{rec: rec, err: err}
	}
}

// LoadMessage looks up a message by key, coalescing concurrent calls
// into a shared transaction via the Store's background loader. Returns
// a nil record with no error if the key is unknown.
func (s *Store) LoadMessage(key uow.MessageKey) (*uow.MessageRecord, error) {
	resultCh := make(chan loadResult, 1)
	select {
	case s.loader.requests <- loadRequest{key: key, result: resultCh}:
	case <-s.loader.quit:
		return nil, errStoreClosed
	}
	res := <-resultCh
	return res.rec, res.err
}

// Purge removes every queue and clears the Store's message index,
// freeing each message's durable page.
func (s *Store) Purge(ctx context.Context) error {
	correlationID := uuid.New().String()
	ctx, span := s.tracer.Start(ctx, "broker.purge")
	defer span.End()
	span.SetAttributes(attribute.String("broker.correlation_id", correlationID))
	logger := s.logger.With(zap.String("correlation_id", correlationID))
	logger.Info("purge starting")

	s.mu.Lock()
	queueKeys := make([]uow.QueueKey, 0, len(s.queues))
	for k := range s.queues {
		queueKeys = append(queueKeys, k)
	}
	msgPages := make([]pagefile.PageID, 0, len(s.messages))
	for _, p := range s.messages {
		msgPages = append(msgPages, p)
	}
	s.messages = make(map[uow.MessageKey]pagefile.PageID)
	s.mu.Unlock()

	for _, k := range queueKeys {
		s.RemoveQueue(k)
	}

	if len(msgPages) > 0 {
		tx := s.engine.BeginTx()
		for _, p := range msgPages {
			if err := tx.Allocator().Free(p, 1); err != nil {
				tx.Rollback()
				span.RecordError(err)
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			span.RecordError(err)
			return err
		}
	}

	logger.Info("purge complete", zap.Int("queues_removed", len(queueKeys)), zap.Int("messages_removed", len(msgPages)))
	return nil
}
