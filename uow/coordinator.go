package uow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nimbusmq/pagedstore/pagestore/pagefile"
)

// FlushWorker persists a batch of flushing UOWs and reports back via
// onDone. Implemented by uow/worker.Worker; kept as an interface here
// so this package never imports it (the worker imports this one).
type FlushWorker interface {
	Store(ctx context.Context, uows []*UOW, onDone func(uows []*UOW, err error))
}

// PageAllocator reserves pages from the engine's shared allocator
// ahead of any transaction, so a UOW's records can carry a stable page
// address before the batch that contains them ever flushes.
type PageAllocator interface {
	Alloc(count int) (pagefile.PageID, error)
	Free(pageID pagefile.PageID, count int) error
}

type pendingRef struct {
	uow    *UOW
	msgKey MessageKey
}

type flushResult struct {
	uows []*UOW
	err  error
}

// Coordinator is the single-writer dispatch loop described for the
// UOW pipeline: one goroutine, one select over a submission channel, a
// flush-trigger channel, and one delay timer per delayed UOW.
//
// Every field below this point is touched only from the run goroutine;
// external callers interact exclusively through submit/completeASAP,
// which hand off over channels.
type Coordinator struct {
	worker     FlushWorker
	pages      PageAllocator
	flushDelay time.Duration // < 0 disables delay
	logger     *zap.Logger
	tracer     trace.Tracer

	nextMsgKey atomic.Uint64
	nextUowID  atomic.Uint64

	submitCh chan *UOW
	flushCh  chan uint64
	doneCh   chan flushResult
	quit     chan struct{}
	wg       sync.WaitGroup

	queueDepth prometheus.Gauge

	pendingStores   map[MessageKey]*UOW
	pendingEnqueues map[queueEntryKey]pendingRef
	delayedUOWs     map[uint64]*UOW
	timers          map[uint64]*time.Timer
}

// NewCoordinator builds a Coordinator dispatching flushes to worker and
// reserving record pages from pages. flushDelay < 0 disables delayed
// flushing entirely.
func NewCoordinator(worker FlushWorker, pages PageAllocator, flushDelay time.Duration, logger *zap.Logger, tracer trace.Tracer, reg prometheus.Registerer) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("uow")
	}
	c := &Coordinator{
		worker:          worker,
		pages:           pages,
		flushDelay:      flushDelay,
		logger:          logger.With(zap.String("component", "uow.coordinator")),
		tracer:          tracer,
		submitCh:        make(chan *UOW, 256),
		flushCh:         make(chan uint64, 256),
		doneCh:          make(chan flushResult, 16),
		quit:            make(chan struct{}),
		pendingStores:   make(map[MessageKey]*UOW),
		pendingEnqueues: make(map[queueEntryKey]pendingRef),
		delayedUOWs:     make(map[uint64]*UOW),
		timers:          make(map[uint64]*time.Timer),
	}
	if reg != nil {
		c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uow_pending_count",
			Help: "Number of UOWs accepted but not yet flushed.",
		})
		reg.MustRegister(c.queueDepth)
	}
	return c
}

// Start launches the coordinator's run loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop halts the run loop without draining queued submissions, then
// stops pending delay timers. UOWs still mid-flush are left to their
// worker callbacks, which are dropped once Stop returns.
func (c *Coordinator) Stop() {
	close(c.quit)
	c.wg.Wait()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) nextMessageKey() MessageKey {
	return MessageKey(c.nextMsgKey.Add(1))
}

func (c *Coordinator) reservePage() (pagefile.PageID, error) {
	return c.pages.Alloc(1)
}

// freePage returns a page reserved ahead of a flush back to the
// allocator once the action that would have carried it is canceled.
func (c *Coordinator) freePage(pageID pagefile.PageID) {
	if err := c.pages.Free(pageID, 1); err != nil {
		c.logger.Error("free canceled page", zap.Uint64("page", uint64(pageID)), zap.Error(err))
	}
}

// CreateUOW allocates a new UOW with a fresh ID.
func (c *Coordinator) CreateUOW() *UOW {
	return newUOW(c.nextUowID.Add(1), c)
}

func (c *Coordinator) submit(u *UOW) {
	select {
	case c.submitCh <- u:
	case <-c.quit:
	}
}

func (c *Coordinator) completeASAP(uowID uint64) {
	select {
	case c.flushCh <- uowID:
	case <-c.quit:
	}
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case u := <-c.submitCh:
			c.drain(u)
		case id := <-c.flushCh:
			c.flushOne(id)
		case res := <-c.doneCh:
			c.complete(res)
		}
		c.reportQueueDepth()
	}
}

func (c *Coordinator) reportQueueDepth() {
	if c.queueDepth != nil {
		c.queueDepth.Set(float64(len(c.delayedUOWs)))
	}
}

// drain implements the coordinator's per-UOW acceptance step: insert
// into delayedUOWs, cancel matched enqueue/dequeue pairs, register
// surviving stores/enqueues as pending, and schedule (or trigger) a
// flush.
func (c *Coordinator) drain(u *UOW) {
	_, span := c.tracer.Start(context.Background(), "uow.coordinator.drain")
	defer span.End()

	if u.allocErr != nil {
		u.fireComplete(u.allocErr)
		span.RecordError(u.allocErr)
		span.SetStatus(codes.Error, u.allocErr.Error())
		return
	}

	c.delayedUOWs[u.id] = u

	for msgKey, action := range u.actions {
		for _, dq := range append([]QueueEntryRecord(nil), action.Dequeues...) {
			c.processDequeue(u, msgKey, dq)
		}
	}

	if _, stillAlive := c.delayedUOWs[u.id]; stillAlive {
		for msgKey, action := range u.actions {
			if action.Record != nil {
				c.pendingStores[msgKey] = u
			}
			for _, enq := range action.Enqueues {
				c.pendingEnqueues[keyOf(enq)] = pendingRef{uow: u, msgKey: msgKey}
			}
		}
		c.scheduleFlush(u, !c.isDelayable(u))
	}

	span.SetAttributes(attribute.Int64("uow.id", int64(u.id)))
	span.SetStatus(codes.Ok, "")
}

// processDequeue implements the UOW pipeline's central optimization: a
// dequeue that matches an unflushed, non-flushing prior enqueue cancels
// both sides before either reaches disk. Relaxing the "not flushing"
// guard corrupts in-flight batches, since the prior UOW's action slice
// would then be mutated concurrently with the worker serializing it.
func (c *Coordinator) processDequeue(curUOW *UOW, curMsgKey MessageKey, dq QueueEntryRecord) {
	ek := keyOf(dq)
	ref, ok := c.pendingEnqueues[ek]
	if !ok || ref.uow.flushing {
		return
	}
	delete(c.pendingEnqueues, ek)

	priorAction := ref.uow.actions[ref.msgKey]
	var removedEnqueue QueueEntryRecord
	var hadEnqueue bool
	priorAction.Enqueues, removedEnqueue, hadEnqueue = removeQueueEntry(priorAction.Enqueues, ek)
	if hadEnqueue {
		c.freePage(removedEnqueue.PageID)
	}
	ref.uow.delayableActions--
	if len(priorAction.Enqueues) == 0 && priorAction.Record != nil {
		delete(c.pendingStores, ref.msgKey)
		c.freePage(priorAction.Record.PageID)
		priorAction.Record = nil
		ref.uow.delayableActions--
	}
	c.cancelAction(ref.uow, ref.msgKey)
	if _, stillPending := c.delayedUOWs[ref.uow.id]; stillPending && !c.isDelayable(ref.uow) {
		c.scheduleFlush(ref.uow, true)
	}

	curAction := curUOW.actions[curMsgKey]
	curAction.Dequeues, _, _ = removeQueueEntry(curAction.Dequeues, ek)
	c.cancelAction(curUOW, curMsgKey)
}

// cancelAction removes an action that has become empty, and cascades
// to canceling its owning UOW if that was its last action.
func (c *Coordinator) cancelAction(u *UOW, msgKey MessageKey) {
	action, ok := u.actions[msgKey]
	if !ok || !action.isEmpty() {
		return
	}
	delete(u.actions, msgKey)
	delete(c.pendingStores, msgKey)
	if len(u.actions) == 0 {
		c.cancelUOW(u)
	}
}

func (c *Coordinator) cancelUOW(u *UOW) {
	if t, ok := c.timers[u.id]; ok {
		t.Stop()
		delete(c.timers, u.id)
	}
	delete(c.delayedUOWs, u.id)
	u.fireComplete(nil)
}

func (c *Coordinator) isDelayable(u *UOW) bool {
	return !u.disableDelay && u.delayableActions > 0 && c.flushDelay >= 0
}

// scheduleFlush arranges for u to flush, either immediately (inline,
// since this always runs on the coordinator goroutine) or after
// flushDelay via a timer that reports back through flushCh.
func (c *Coordinator) scheduleFlush(u *UOW, immediate bool) {
	if _, stillPending := c.delayedUOWs[u.id]; !stillPending {
		return
	}
	if t, ok := c.timers[u.id]; ok {
		t.Stop()
		delete(c.timers, u.id)
	}
	if immediate {
		c.flushOne(u.id)
		return
	}
	id := u.id
	c.timers[id] = time.AfterFunc(c.flushDelay, func() {
		select {
		case c.flushCh <- id:
		case <-c.quit:
		}
	})
}

// flushOne collects id plus any other flush IDs already ready on
// flushCh, so a burst of near-simultaneous triggers batches into one
// dispatch instead of one worker call per UOW.
func (c *Coordinator) flushOne(id uint64) {
	ids := []uint64{id}
collect:
	for {
		select {
		case more := <-c.flushCh:
			ids = append(ids, more)
		default:
			break collect
		}
	}

	var batch []*UOW
	for _, id := range ids {
		u, ok := c.delayedUOWs[id]
		if !ok || u.flushing {
			continue
		}
		if t, ok := c.timers[id]; ok {
			t.Stop()
			delete(c.timers, id)
		}
		u.mu.Lock()
		u.flushing = true
		u.mu.Unlock()
		batch = append(batch, u)
	}
	if len(batch) == 0 {
		return
	}
	c.dispatch(batch)
}

func (c *Coordinator) dispatch(batch []*UOW) {
	c.worker.Store(context.Background(), batch, func(done []*UOW, err error) {
		select {
		case c.doneCh <- flushResult{uows: done, err: err}:
		case <-c.quit:
		}
	})
}

// complete runs on the coordinator goroutine after a worker callback:
// clear each flushed UOW's pending entries, fire its listeners, and
// retire it.
func (c *Coordinator) complete(res flushResult) {
	for _, u := range res.uows {
		for msgKey, action := range u.actions {
			delete(c.pendingStores, msgKey)
			for _, enq := range action.Enqueues {
				delete(c.pendingEnqueues, keyOf(enq))
			}
		}
		delete(c.delayedUOWs, u.id)
		u.fireComplete(res.err)
	}
}
