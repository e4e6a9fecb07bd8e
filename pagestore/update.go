package pagestore

import "github.com/nimbusmq/pagedstore/pagestore/pagefile"

// UpdateKind distinguishes the three states an update-map entry can
// hold.
type UpdateKind int8

const (
	// UpdateFreed marks a page freed within this transaction.
	UpdateFreed UpdateKind = iota
	// UpdateAllocated marks a page allocated fresh within this
	// transaction, with no prior content to preserve.
	UpdateAllocated
	// UpdateRemapped marks a pre-existing page whose new content lives
	// at a different physical page; reads of the logical page inside
	// this transaction redirect to it.
	UpdateRemapped
)

// UpdateEntry is one mapping in a transaction's private update map.
type UpdateEntry struct {
	Kind      UpdateKind
	NewPageID pagefile.PageID // valid when Kind == UpdateRemapped
}

// DeferredUpdate buffers a typed value in memory, postponing its
// encoding until commit while letting intra-transaction reads observe
// the latest in-memory value. It is keyed in the transaction's deferred
// map by the logical page it belongs to; that key, not a field here, is
// what commit passes back to the codec.
type DeferredUpdate struct {
	Value any
	Codec anyCodec
}

// reset overwrites a deferred update's buffered value and codec in
// place, used when a page already has a deferred update and is put
// again before commit.
func (d *DeferredUpdate) reset(value any, codec anyCodec) {
	d.Value = value
	d.Codec = codec
}
