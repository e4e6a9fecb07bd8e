// Package uow implements the asynchronous unit-of-work pipeline: a
// single-writer coordinator that accepts broker actions (message store,
// enqueue, dequeue), cancels matched enqueue/dequeue pairs before they
// touch disk, delays flushing within a bounded window, and dispatches
// batched flushes to a worker.
package uow

import "github.com/nimbusmq/pagedstore/pagestore/pagefile"

// MessageKey identifies a stored message record.
type MessageKey uint64

// QueueKey identifies a queue.
type QueueKey uint64

// MessageRecord is the payload stored for a message key. Body is
// opaque to the pipeline; codecs decide how to encode it. PageID is
// reserved from the engine's allocator when the record is built, so the
// record carries its page address before the batch containing it
// flushes.
type MessageRecord struct {
	Key    MessageKey
	PageID pagefile.PageID
	Body   []byte
}

// QueueEntryRecord is one enqueue or dequeue position: the sequence
// number a message occupies within a queue.
type QueueEntryRecord struct {
	QueueKey   QueueKey
	QueueSeq   uint64
	MessageKey MessageKey
	PageID     pagefile.PageID
}

type queueEntryKey struct {
	QueueKey QueueKey
	QueueSeq uint64
}

func keyOf(e QueueEntryRecord) queueEntryKey {
	return queueEntryKey{QueueKey: e.QueueKey, QueueSeq: e.QueueSeq}
}

// MessageAction carries at most one MessageRecord plus the ordered
// enqueue/dequeue entries accumulated against it within a single UOW.
type MessageAction struct {
	Record   *MessageRecord
	Enqueues []QueueEntryRecord
	Dequeues []QueueEntryRecord
}

// isEmpty treats an action as empty iff its message record is absent
// and both its enqueue and dequeue lists are empty.
func (a *MessageAction) isEmpty() bool {
	return a.Record == nil && len(a.Enqueues) == 0 && len(a.Dequeues) == 0
}

// removeQueueEntry removes the entry matching ek from list, if present,
// and reports the removed entry so the caller can release any page
// reserved for it.
func removeQueueEntry(list []QueueEntryRecord, ek queueEntryKey) ([]QueueEntryRecord, QueueEntryRecord, bool) {
	for i, e := range list {
		if keyOf(e) == ek {
			return append(list[:i], list[i+1:]...), e, true
		}
	}
	return list, QueueEntryRecord{}, false
}
