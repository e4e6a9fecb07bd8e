package uow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusmq/pagedstore/pagestore/pagefile"
)

// fakeWorker records every batch it's asked to store and completes it
// immediately with no error, unless told to hold batches for manual
// release via release().
type fakeWorker struct {
	mu      sync.Mutex
	batches [][]*UOW
	hold    bool
	held    []func()
}

func (w *fakeWorker) Store(ctx context.Context, uows []*UOW, onDone func([]*UOW, error)) {
	w.mu.Lock()
	w.batches = append(w.batches, uows)
	if w.hold {
		w.held = append(w.held, func() { onDone(uows, nil) })
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	onDone(uows, nil)
}

func (w *fakeWorker) release() {
	w.mu.Lock()
	held := w.held
	w.held = nil
	w.mu.Unlock()
	for _, f := range held {
		f()
	}
}

func (w *fakeWorker) batchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

// fakePages hands out ever-increasing page IDs, never failing, and
// records every page freed so cancellation paths can be asserted.
type fakePages struct {
	next atomic.Uint64

	mu    sync.Mutex
	freed []pagefile.PageID
}

func (p *fakePages) Alloc(count int) (pagefile.PageID, error) {
	return pagefile.PageID(p.next.Add(uint64(count))), nil
}

func (p *fakePages) Free(pageID pagefile.PageID, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freed = append(p.freed, pageID)
	return nil
}

func (p *fakePages) freedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freed)
}

func newTestCoordinator(t *testing.T, worker FlushWorker, flushDelay time.Duration) *Coordinator {
	t.Helper()
	c, _ := newTestCoordinatorWithPages(t, worker, flushDelay)
	return c
}

func newTestCoordinatorWithPages(t *testing.T, worker FlushWorker, flushDelay time.Duration) (*Coordinator, *fakePages) {
	t.Helper()
	pages := &fakePages{}
	c := NewCoordinator(worker, pages, flushDelay, nil, nil, nil)
	c.Start()
	t.Cleanup(c.Stop)
	return c, pages
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

// Scenario 2: a store+enqueue disposed, then a dequeue matching it
// disposed within flushDelay — both UOWs cancel, no disk write, both
// onComplete callbacks fire.
func TestCoordinator_CancelsMatchedEnqueueDequeue(t *testing.T) {
	worker := &fakeWorker{}
	c, pages := newTestCoordinatorWithPages(t, worker, 50*time.Millisecond)

	var u1Done, u2Done bool
	var mu sync.Mutex

	u1 := c.CreateUOW()
	msgKey := u1.Store(&MessageRecord{Body: []byte("A")})
	u1.Enqueue(QueueEntryRecord{QueueKey: 1, QueueSeq: 1, MessageKey: msgKey})
	u1.OnComplete(func(err error) {
		mu.Lock()
		u1Done = true
		mu.Unlock()
		require.NoError(t, err)
	})
	u1.Dispose()

	u2 := c.CreateUOW()
	u2.Dequeue(QueueEntryRecord{QueueKey: 1, QueueSeq: 1, MessageKey: msgKey})
	u2.OnComplete(func(err error) {
		mu.Lock()
		u2Done = true
		mu.Unlock()
		require.NoError(t, err)
	})
	u2.Dispose()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return u1Done && u2Done
	})
	require.Equal(t, 0, worker.batchCount())
	// the canceled store's record page and the canceled enqueue's page
	// must both return to the allocator, not leak.
	require.Equal(t, 2, pages.freedCount())
}

// Scenario 3: one enqueue of a two-enqueue UOW is canceled by a
// matching dequeue; the message and the other enqueue still flush.
func TestCoordinator_PartialCancelStillFlushes(t *testing.T) {
	worker := &fakeWorker{}
	c := newTestCoordinator(t, worker, 20*time.Millisecond)

	u1 := c.CreateUOW()
	msgKey := u1.Store(&MessageRecord{Body: []byte("A")})
	u1.Enqueue(QueueEntryRecord{QueueKey: 1, QueueSeq: 1, MessageKey: msgKey})
	u1.Enqueue(QueueEntryRecord{QueueKey: 2, QueueSeq: 1, MessageKey: msgKey})

	var done bool
	var mu sync.Mutex
	u1.OnComplete(func(err error) {
		mu.Lock()
		done = true
		mu.Unlock()
	})
	u1.Dispose()

	u2 := c.CreateUOW()
	u2.Dequeue(QueueEntryRecord{QueueKey: 1, QueueSeq: 1, MessageKey: msgKey})
	u2.Dispose()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	})
	require.Equal(t, 1, worker.batchCount())
	flushed := worker.batches[0]
	require.Len(t, flushed, 1)
	action := flushed[0].actions[msgKey]
	require.Len(t, action.Enqueues, 1)
	require.Equal(t, QueueKey(2), action.Enqueues[0].QueueKey)
}

// Scenario 6: CompleteASAP forces a flush without waiting flushDelay.
func TestCoordinator_CompleteASAPFlushesImmediately(t *testing.T) {
	worker := &fakeWorker{}
	c := newTestCoordinator(t, worker, time.Hour) // would never fire on its own within the test

	u := c.CreateUOW()
	msgKey := u.Store(&MessageRecord{Body: []byte("A")})
	u.Enqueue(QueueEntryRecord{QueueKey: 1, QueueSeq: 1, MessageKey: msgKey})
	u.Dispose()
	u.CompleteASAP()

	waitFor(t, time.Second, func() bool { return worker.batchCount() == 1 })
}

// Scenario 9 (the pipeline's single most safety-critical guard, called
// out at coordinator.go's processDequeue doc comment): a dequeue
// matching an enqueue whose UOW is already flushing must not cancel it
// — canceling would mutate an action slice the worker is concurrently
// serializing. The matching dequeue is left to flush on its own
// instead.
func TestCoordinator_DoesNotCancelAgainstAFlushingUOW(t *testing.T) {
	worker := &fakeWorker{hold: true}
	c, pages := newTestCoordinatorWithPages(t, worker, -1) // flush immediately, no delay

	var mu sync.Mutex
	var u1Done, u2Done bool

	u1 := c.CreateUOW()
	msgKey := u1.Store(&MessageRecord{Body: []byte("A")})
	u1.Enqueue(QueueEntryRecord{QueueKey: 1, QueueSeq: 1, MessageKey: msgKey})
	u1.OnComplete(func(error) {
		mu.Lock()
		u1Done = true
		mu.Unlock()
	})
	u1.Dispose()

	waitFor(t, time.Second, func() bool { return worker.batchCount() == 1 })

	u2 := c.CreateUOW()
	u2.Dequeue(QueueEntryRecord{QueueKey: 1, QueueSeq: 1, MessageKey: msgKey})
	u2.OnComplete(func(error) {
		mu.Lock()
		u2Done = true
		mu.Unlock()
	})
	u2.Dispose()

	// The dequeue arrived while u1 was flushing: the guard must have
	// skipped cancellation, so neither u1's reserved page is freed nor
	// does u2 complete instantly — it flushes on its own as batch 2.
	waitFor(t, time.Second, func() bool { return worker.batchCount() == 2 })
	mu.Lock()
	require.False(t, u1Done)
	require.False(t, u2Done)
	mu.Unlock()
	require.Equal(t, 0, pages.freedCount(), "guard held: nothing was canceled, so nothing was freed")

	worker.release()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return u1Done && u2Done
	})
}

// A UOW's completion listeners fire exactly once.
func TestCoordinator_CompleteListenersFireOnce(t *testing.T) {
	worker := &fakeWorker{}
	c := newTestCoordinator(t, worker, -1) // flush immediately, no delay

	var calls int
	var mu sync.Mutex
	u := c.CreateUOW()
	msgKey := u.Store(&MessageRecord{Body: []byte("A")})
	u.Enqueue(QueueEntryRecord{QueueKey: 1, QueueSeq: 1, MessageKey: msgKey})
	u.OnComplete(func(error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	u.Dispose()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}
