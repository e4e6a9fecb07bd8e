package broker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nimbusmq/pagedstore/pagestore"
	"github.com/nimbusmq/pagedstore/pagestore/pagefile"
	"github.com/nimbusmq/pagedstore/uow"
)

// queueRecordCodec encodes a QueueRecord as key, length-prefixed name,
// then length-prefixed meta.
type queueRecordCodec struct{}

func (queueRecordCodec) Store(tx *pagestore.Transaction, page pagefile.PageID, value *QueueRecord) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, uint64(value.Key)); err != nil {
		return err
	}
	name := []byte(value.Name)
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(name))); err != nil {
		return err
	}
	buf.Write(name)
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(value.Meta))); err != nil {
		return err
	}
	buf.Write(value.Meta)
	return writePadded(tx, page, buf.Bytes())
}

func (queueRecordCodec) Load(tx *pagestore.Transaction, page pagefile.PageID) (*QueueRecord, error) {
	raw := make([]byte, tx.PageSize())
	if err := tx.Read(page, raw); err != nil {
		return nil, err
	}
	r := bytes.NewReader(raw)
	rec := &QueueRecord{}
	var key uint64
	var nameLen, metaLen uint32
	if err := binary.Read(r, binary.LittleEndian, &key); err != nil {
		return nil, fmt.Errorf("queue record: read key: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return nil, fmt.Errorf("queue record: read name length: %w", err)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("queue record: read name: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &metaLen); err != nil {
		return nil, fmt.Errorf("queue record: read meta length: %w", err)
	}
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(r, meta); err != nil {
		return nil, fmt.Errorf("queue record: read meta: %w", err)
	}
	rec.Key = uow.QueueKey(key)
	rec.Name = string(name)
	rec.Meta = meta
	return rec, nil
}

func (queueRecordCodec) Remove(tx *pagestore.Transaction, page pagefile.PageID) error {
	return tx.Allocator().Free(page, 1)
}

func writePadded(tx *pagestore.Transaction, page pagefile.PageID, raw []byte) error {
	size := tx.PageSize()
	if len(raw) > size {
		return fmt.Errorf("broker: record of %d bytes exceeds page size %d", len(raw), size)
	}
	padded := make([]byte, size)
	copy(padded, raw)
	return tx.Write(page, padded)
}
