package broker

import (
	"sync"
	"time"

	"github.com/nimbusmq/pagedstore/uow"
)

type loadRequest struct {
	key    uow.MessageKey
	result chan<- loadResult
}

type loadResult struct {
	rec *uow.MessageRecord
	err error
}

// messageLoader coalesces concurrent LoadMessage calls arriving within
// a short window into a single read-only transaction, amortizing
// snapshot open/close cost across the batch. Batches on size or a
// timer, whichever comes first — the same two-threshold shape as
// eventsender's writerLoop.
type messageLoader struct {
	store    *Store
	requests chan loadRequest
	quit     chan struct{}
	wg       sync.WaitGroup

	maxBatch      int
	flushInterval time.Duration
}

func newMessageLoader(store *Store, maxBatch int, flushInterval time.Duration) *messageLoader {
	l := &messageLoader{
		store:         store,
		requests:      make(chan loadRequest, 256),
		quit:          make(chan struct{}),
		maxBatch:      maxBatch,
		flushInterval: flushInterval,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *messageLoader) stop() {
	close(l.quit)
	l.wg.Wait()
}

func (l *messageLoader) run() {
	defer l.wg.Done()
	var batch []loadRequest
	timer := time.NewTimer(l.flushInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.store.loadBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-l.quit:
			for {
				select {
				case req := <-l.requests:
					batch = append(batch, req)
				default:
					flush()
					return
				}
			}
		case req := <-l.requests:
			batch = append(batch, req)
			if len(batch) >= l.maxBatch {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(l.flushInterval)
			}
		case <-timer.C:
			flush()
			timer.Reset(l.flushInterval)
		}
	}
}
