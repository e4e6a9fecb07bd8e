package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nimbusmq/pagedstore/pagestore"
	"github.com/nimbusmq/pagedstore/pagestore/pagefile"
	"github.com/nimbusmq/pagedstore/uow"
)

// MessageCodec encodes a MessageRecord as a little-endian, length-
// prefixed record: key, page ID, then a length-prefixed body.
type MessageCodec struct{}

func (MessageCodec) Store(tx *pagestore.Transaction, page pagefile.PageID, value *uow.MessageRecord) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, uint64(value.Key)); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint64(value.PageID)); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(value.Body))); err != nil {
		return err
	}
	if _, err := buf.Write(value.Body); err != nil {
		return err
	}
	return writePadded(tx, page, buf.Bytes())
}

func (MessageCodec) Load(tx *pagestore.Transaction, page pagefile.PageID) (*uow.MessageRecord, error) {
	raw, err := readAll(tx, page)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(raw)
	rec := &uow.MessageRecord{}
	var key, pid uint64
	var bodyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &key); err != nil {
		return nil, fmt.Errorf("message record: read key: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &pid); err != nil {
		return nil, fmt.Errorf("message record: read page id: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &bodyLen); err != nil {
		return nil, fmt.Errorf("message record: read body length: %w", err)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("message record: read body: %w", err)
	}
	rec.Key = uow.MessageKey(key)
	rec.PageID = pagefile.PageID(pid)
	rec.Body = body
	return rec, nil
}

func (MessageCodec) Remove(tx *pagestore.Transaction, page pagefile.PageID) error {
	return tx.Allocator().Free(page, 1)
}

// QueueEntryCodec encodes a QueueEntryRecord as four fixed-width
// little-endian fields; there is no variable-length tail.
type QueueEntryCodec struct{}

const queueEntryRecordSize = 8 * 4

func (QueueEntryCodec) Store(tx *pagestore.Transaction, page pagefile.PageID, value uow.QueueEntryRecord) error {
	buf := new(bytes.Buffer)
	fields := []uint64{
		uint64(value.QueueKey),
		value.QueueSeq,
		uint64(value.MessageKey),
		uint64(value.PageID),
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return writePadded(tx, page, buf.Bytes())
}

func (QueueEntryCodec) Load(tx *pagestore.Transaction, page pagefile.PageID) (uow.QueueEntryRecord, error) {
	var rec uow.QueueEntryRecord
	raw, err := readAll(tx, page)
	if err != nil {
		return rec, err
	}
	r := bytes.NewReader(raw[:queueEntryRecordSize])
	var queueKey, queueSeq, msgKey, pid uint64
	for _, dst := range []*uint64{&queueKey, &queueSeq, &msgKey, &pid} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return rec, fmt.Errorf("queue entry record: %w", err)
		}
	}
	rec.QueueKey = uow.QueueKey(queueKey)
	rec.QueueSeq = queueSeq
	rec.MessageKey = uow.MessageKey(msgKey)
	rec.PageID = pagefile.PageID(pid)
	return rec, nil
}

func (QueueEntryCodec) Remove(tx *pagestore.Transaction, page pagefile.PageID) error {
	return tx.Allocator().Free(page, 1)
}

// readAll reads a variable-length record back out of page. Message
// records don't have a fixed size, so the slice handed to tx.Read must
// be sized to the page itself; tx.PageSize reports that size.
func readAll(tx *pagestore.Transaction, page pagefile.PageID) ([]byte, error) {
	buf := make([]byte, tx.PageSize())
	if err := tx.Read(page, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writePadded zero-pads raw up to the transaction's page size before
// handing it to tx.Write, which requires a buffer exactly that long.
// A record that would not fit in a single page is a caller error, not
// something this layer can page-span.
func writePadded(tx *pagestore.Transaction, page pagefile.PageID, raw []byte) error {
	size := tx.PageSize()
	if len(raw) > size {
		return fmt.Errorf("worker: record of %d bytes exceeds page size %d", len(raw), size)
	}
	padded := make([]byte, size)
	copy(padded, raw)
	return tx.Write(page, padded)
}
