package uow

import "sync"

// UOW is a broker-level batch of message/queue actions to be persisted
// atomically. It is built up by its owning goroutine through
// Store/Enqueue/Dequeue, then handed to the coordinator via Dispose.
// After Dispose, the owning goroutine must not add actions to it;
// CompleteASAP may still be called.
type UOW struct {
	id    uint64
	coord *Coordinator

	mu                sync.Mutex
	actions           map[MessageKey]*MessageAction
	completeListeners []func(error)

	disableDelay     bool
	flushing         bool
	delayableActions int

	// allocErr records a page-reservation failure from Store/Enqueue.
	// drain checks it before doing anything else and, if set, cancels
	// the UOW immediately with this error instead of processing it.
	allocErr error

	disposed bool
}

func newUOW(id uint64, coord *Coordinator) *UOW {
	return &UOW{id: id, coord: coord, actions: make(map[MessageKey]*MessageAction)}
}

func (u *UOW) actionFor(key MessageKey) *MessageAction {
	a := u.actions[key]
	if a == nil {
		a = &MessageAction{}
		u.actions[key] = a
	}
	return a
}

// Store assigns the next message key, reserves a page for the record,
// attaches it to its action, and increments delayableActions.
func (u *UOW) Store(record *MessageRecord) MessageKey {
	u.mu.Lock()
	defer u.mu.Unlock()
	key := u.coord.nextMessageKey()
	record.Key = key
	if id, err := u.coord.reservePage(); err != nil {
		u.allocErr = err
	} else {
		record.PageID = id
	}
	u.actionFor(key).Record = record
	u.delayableActions++
	return key
}

// Enqueue appends entry to its message's action and increments
// delayableActions. entry.PageID is reserved here so a later dequeue
// for the same (queueKey, queueSeq) can be built before this UOW
// flushes.
func (u *UOW) Enqueue(entry QueueEntryRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if id, err := u.coord.reservePage(); err != nil {
		u.allocErr = err
	} else {
		entry.PageID = id
	}
	a := u.actionFor(entry.MessageKey)
	a.Enqueues = append(a.Enqueues, entry)
	u.delayableActions++
}

// Dequeue appends entry to its message's action.
func (u *UOW) Dequeue(entry QueueEntryRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	a := u.actionFor(entry.MessageKey)
	a.Dequeues = append(a.Dequeues, entry)
}

// OnComplete registers a callback invoked exactly once, when the UOW is
// durably stored or canceled. Cancellation and successful flush are
// indistinguishable to listeners except by the error argument.
func (u *UOW) OnComplete(cb func(error)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.completeListeners = append(u.completeListeners, cb)
}

// CompleteASAP disables delay for this UOW and, if it is still waiting
// out its flush delay, forces an immediate flush.
func (u *UOW) CompleteASAP() {
	u.mu.Lock()
	u.disableDelay = true
	u.mu.Unlock()
	u.coord.completeASAP(u.id)
}

// Dispose releases the last handle to the UOW, submitting it to the
// coordinator. Safe to call more than once; only the first call has an
// effect.
func (u *UOW) Dispose() {
	u.mu.Lock()
	if u.disposed {
		u.mu.Unlock()
		return
	}
	u.disposed = true
	u.mu.Unlock()
	u.coord.submit(u)
}

// Actions returns the UOW's action map for the flush worker to
// serialize. By the time a UOW reaches the worker its flushing flag is
// set, which keeps the coordinator from mutating it further. Callers
// other than the worker and completion listeners must not call this.
func (u *UOW) Actions() map[MessageKey]*MessageAction { return u.actions }

func (u *UOW) fireComplete(err error) {
	u.mu.Lock()
	listeners := u.completeListeners
	u.completeListeners = nil
	u.mu.Unlock()
	for _, cb := range listeners {
		cb(err)
	}
}
