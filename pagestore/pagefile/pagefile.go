// Package pagefile implements the fixed-size paged backing file that the
// rest of the storage core reads and writes through: a binary root
// record at page 0 followed by fixed-size pages addressed by
// WriteAt/ReadAt offsets.
package pagefile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// PageID identifies a fixed-size page within the backing file.
type PageID uint64

// InvalidPageID marks the absence of a page. Page 0 is reserved for the
// root record, so it doubles as the "no page" sentinel.
const InvalidPageID PageID = 0

const fileMagic uint32 = 0x70616765 // "page"
const fileVersion uint32 = 1
const rootRecordSize = 64

// RootRecord holds the database-wide counters and pointers that must
// survive a restart.
type RootRecord struct {
	Magic          uint32
	Version        uint32
	PageSize       uint32
	LastMessageKey uint64
	LastQueueKey   uint64
	FreeBitmapRoot PageID
	SnapshotHead   uint64
}

// SliceMode selects the access pattern for Slice.
type SliceMode int

const (
	// ModeRead opens a read-only window; Unslice never writes it back.
	ModeRead SliceMode = iota
	// ModeReadWrite opens a window pre-loaded with the page's current
	// contents; Unslice writes it back.
	ModeReadWrite
	// ModeWrite opens a zeroed window; Unslice writes it back.
	ModeWrite
)

// Window is a page-aligned byte range acquired via Slice. Callers must
// release it via Unslice on every exit path.
type Window struct {
	PageID PageID
	Count  int
	Buf    []byte

	mode SliceMode
}

var (
	// ErrNotOpen is returned when an operation is attempted before Open.
	ErrNotOpen = errors.New("pagefile: not open")
	// ErrBadMagic indicates the backing file isn't one of ours.
	ErrBadMagic = errors.New("pagefile: bad magic number")
	// ErrPageSizeMismatch indicates the configured page size doesn't match
	// the file's recorded page size.
	ErrPageSizeMismatch = errors.New("pagefile: page size mismatch")
)

// PageFile owns the on-disk representation of the paged store.
type PageFile struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int
	numPages uint64
	logger   *zap.Logger
}

// New constructs a PageFile for the given directory. The actual backing
// file is "store.page" within dir; Open must be called before use.
func New(dir string, pageSize int, logger *zap.Logger) (*PageFile, error) {
	if pageSize < rootRecordSize {
		return nil, fmt.Errorf("pagefile: page size %d too small", pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageFile{
		path:     filepath.Join(dir, "store.page"),
		pageSize: pageSize,
		logger:   logger.With(zap.String("component", "pagefile")),
	}, nil
}

// Open opens the backing file, creating it (and an initial root record) if
// it doesn't exist.
func (pf *PageFile) Open() (*RootRecord, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	_, statErr := os.Stat(pf.path)
	var root RootRecord
	if os.IsNotExist(statErr) {
		f, err := os.OpenFile(pf.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, fmt.Errorf("pagefile: create: %w", err)
		}
		pf.file = f
		root = RootRecord{
			Magic:          fileMagic,
			Version:        fileVersion,
			PageSize:       uint32(pf.pageSize),
			FreeBitmapRoot: InvalidPageID,
		}
		if err := pf.writeRoot(&root); err != nil {
			_ = os.Remove(pf.path)
			return nil, err
		}
		pf.numPages = 1
		pf.logger.Info("created new page file", zap.String("path", pf.path), zap.Int("page_size", pf.pageSize))
	} else if statErr == nil {
		f, err := os.OpenFile(pf.path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("pagefile: open: %w", err)
		}
		pf.file = f
		if err := pf.readRoot(&root); err != nil {
			pf.file.Close()
			return nil, err
		}
		if root.Magic != fileMagic {
			pf.file.Close()
			return nil, ErrBadMagic
		}
		if int(root.PageSize) != pf.pageSize {
			pf.file.Close()
			return nil, ErrPageSizeMismatch
		}
		fi, err := pf.file.Stat()
		if err != nil {
			pf.file.Close()
			return nil, fmt.Errorf("pagefile: stat: %w", err)
		}
		pf.numPages = uint64(fi.Size()) / uint64(pf.pageSize)
		pf.logger.Info("opened existing page file", zap.String("path", pf.path), zap.Uint64("num_pages", pf.numPages))
	} else {
		return nil, fmt.Errorf("pagefile: stat: %w", statErr)
	}
	return &root, nil
}

func (pf *PageFile) writeRoot(root *RootRecord) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, root); err != nil {
		return fmt.Errorf("pagefile: encode root: %w", err)
	}
	if buf.Len() > pf.pageSize {
		return fmt.Errorf("pagefile: root record %d bytes exceeds page size %d", buf.Len(), pf.pageSize)
	}
	padded := make([]byte, pf.pageSize)
	copy(padded, buf.Bytes())
	if _, err := pf.file.WriteAt(padded, 0); err != nil {
		return fmt.Errorf("pagefile: write root: %w", err)
	}
	return pf.file.Sync()
}

func (pf *PageFile) readRoot(root *RootRecord) error {
	data := make([]byte, pf.pageSize)
	n, err := pf.file.ReadAt(data, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("pagefile: read root: %w", err)
	}
	if n < rootRecordSize {
		return fmt.Errorf("pagefile: root record truncated")
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, root)
}

// WriteRoot persists an updated root record at page 0.
func (pf *PageFile) WriteRoot(root *RootRecord) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.file == nil {
		return ErrNotOpen
	}
	return pf.writeRoot(root)
}

// PageSize returns the fixed page size for this file's lifetime.
func (pf *PageFile) PageSize() int { return pf.pageSize }

// Pages returns the number of pages needed to hold byteLen bytes.
func (pf *PageFile) Pages(byteLen int) int {
	if byteLen <= 0 {
		return 0
	}
	return (byteLen + pf.pageSize - 1) / pf.pageSize
}

// ReadPage reads a single page's data into buf, which must be exactly
// PageSize() bytes.
func (pf *PageFile) ReadPage(id PageID, buf []byte) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.readPagesLocked(id, buf)
}

func (pf *PageFile) readPagesLocked(id PageID, buf []byte) error {
	if pf.file == nil {
		return ErrNotOpen
	}
	if len(buf)%pf.pageSize != 0 {
		return fmt.Errorf("pagefile: buffer size %d not a multiple of page size %d", len(buf), pf.pageSize)
	}
	offset := int64(id) * int64(pf.pageSize)
	n, err := pf.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("pagefile: read page %d: %w", id, err)
	}
	if n != len(buf) {
		return fmt.Errorf("pagefile: short read for page %d: got %d want %d", id, n, len(buf))
	}
	return nil
}

// WritePage writes buf (exactly PageSize() bytes) to the page at id.
func (pf *PageFile) WritePage(id PageID, buf []byte) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.writePagesLocked(id, buf)
}

func (pf *PageFile) writePagesLocked(id PageID, buf []byte) error {
	if pf.file == nil {
		return ErrNotOpen
	}
	if len(buf)%pf.pageSize != 0 {
		return fmt.Errorf("pagefile: buffer size %d not a multiple of page size %d", len(buf), pf.pageSize)
	}
	offset := int64(id) * int64(pf.pageSize)
	if _, err := pf.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("pagefile: write page %d: %w", id, err)
	}
	numPages := uint64(id) + uint64(len(buf)/pf.pageSize)
	if numPages > pf.numPages {
		pf.numPages = numPages
	}
	return nil
}

// Slice acquires a page-aligned window over count pages starting at id.
// The caller must release it via Unslice.
func (pf *PageFile) Slice(mode SliceMode, id PageID, count int) (*Window, error) {
	buf := make([]byte, count*pf.pageSize)
	if mode == ModeReadWrite || mode == ModeRead {
		if err := pf.ReadPage(id, buf); err != nil {
			return nil, err
		}
	}
	return &Window{PageID: id, Count: count, Buf: buf, mode: mode}, nil
}

// Unslice releases a window acquired via Slice, persisting it to disk if
// it was opened for writing.
func (pf *PageFile) Unslice(w *Window) error {
	if w == nil {
		return nil
	}
	if w.mode == ModeRead {
		return nil
	}
	return pf.WritePage(w.PageID, w.Buf)
}

// Sync flushes buffered writes to stable storage.
func (pf *PageFile) Sync() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.file == nil {
		return ErrNotOpen
	}
	return pf.file.Sync()
}

// Close releases the underlying file handle.
func (pf *PageFile) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.file == nil {
		return nil
	}
	if err := pf.file.Sync(); err != nil {
		pf.logger.Warn("sync on close failed", zap.Error(err))
	}
	err := pf.file.Close()
	pf.file = nil
	return err
}
