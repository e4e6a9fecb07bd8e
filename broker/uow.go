package broker

import (
	"github.com/nimbusmq/pagedstore/uow"
)

// UOW is the broker-facing handle for a batch of store/enqueue/dequeue
// actions. It wraps a *uow.UOW, additionally feeding the owning Store's
// entry and message indexes so later lookups and dequeues don't need
// their caller to track page IDs directly.
type UOW struct {
	inner *uow.UOW
	store *Store
}

// Store assigns a message key to body and returns it.
func (u *UOW) Store(body []byte) uow.MessageKey {
	msgKey := u.inner.Store(&uow.MessageRecord{Body: body})
	u.store.trackMessageOwner(msgKey, u.inner)
	return msgKey
}

// Enqueue appends a queue-entry action for msgKey at (queueKey, seq).
func (u *UOW) Enqueue(queueKey uow.QueueKey, seq uint64, msgKey uow.MessageKey) {
	u.inner.Enqueue(uow.QueueEntryRecord{QueueKey: queueKey, QueueSeq: seq, MessageKey: msgKey})
}

// Dequeue appends a dequeue action for (queueKey, seq). The entry's
// page is resolved from the Store's durable entry index when known; if
// unknown, the matching enqueue is still in flight and the coordinator
// cancels both sides without ever needing the page.
func (u *UOW) Dequeue(queueKey uow.QueueKey, seq uint64, msgKey uow.MessageKey) {
	page, _ := u.store.lookupEntryPage(queueKey, seq)
	u.inner.Dequeue(uow.QueueEntryRecord{QueueKey: queueKey, QueueSeq: seq, MessageKey: msgKey, PageID: page})
}

// OnComplete registers a callback invoked once this UOW is durably
// stored or canceled.
func (u *UOW) OnComplete(cb func(error)) {
	u.inner.OnComplete(cb)
}

// CompleteASAP forces an immediate flush instead of waiting out the
// configured delay window.
func (u *UOW) CompleteASAP() {
	u.inner.CompleteASAP()
}

// Dispose hands the UOW to the coordinator. Safe to call more than
// once.
func (u *UOW) Dispose() {
	u.inner.Dispose()
}
