// Package broker is a thin façade over the paged engine and the UOW
// pipeline: queue directory management, message lookup, and UOW
// creation for broker-level callers that shouldn't need to know about
// pages, codecs, or transactions directly.
package broker

import "github.com/nimbusmq/pagedstore/uow"

// QueueRecord describes a queue the broker knows about.
type QueueRecord struct {
	Key  uow.QueueKey
	Name string
	Meta []byte
}

// QueueStatus reports a queue's current durable entry count, as tracked
// by the broker's in-memory entry index.
type QueueStatus struct {
	Key        uow.QueueKey
	Name       string
	EntryCount int
}

// EntryRange is a contiguous run of sequence numbers durably present in
// a queue.
type EntryRange struct {
	FirstSeq uint64
	LastSeq  uint64
}
