package pagefile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestFile(t *testing.T, pageSize int) *PageFile {
	t.Helper()
	pf, err := New(t.TempDir(), pageSize, nil)
	require.NoError(t, err)
	_, err = pf.Open()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pf.Close() })
	return pf
}

func TestPageFile_OpenCreatesRootRecord(t *testing.T) {
	dir := t.TempDir()
	pf, err := New(dir, 256, nil)
	require.NoError(t, err)
	root, err := pf.Open()
	require.NoError(t, err)
	require.Equal(t, uint32(256), root.PageSize)
	require.Equal(t, InvalidPageID, root.FreeBitmapRoot)
	require.NoError(t, pf.Close())
}

func TestPageFile_ReopenPersistsRootRecord(t *testing.T) {
	dir := t.TempDir()
	pf, err := New(dir, 256, nil)
	require.NoError(t, err)
	_, err = pf.Open()
	require.NoError(t, err)

	root := RootRecord{Magic: 0x70616765, Version: 1, PageSize: 256, LastMessageKey: 42, SnapshotHead: 7}
	require.NoError(t, pf.WriteRoot(&root))
	require.NoError(t, pf.Close())

	pf2, err := New(dir, 256, nil)
	require.NoError(t, err)
	got, err := pf2.Open()
	require.NoError(t, err)
	require.Equal(t, uint64(42), got.LastMessageKey)
	require.Equal(t, uint64(7), got.SnapshotHead)
	require.NoError(t, pf2.Close())
}

func TestPageFile_ReopenWrongPageSizeFails(t *testing.T) {
	dir := t.TempDir()
	pf, err := New(dir, 256, nil)
	require.NoError(t, err)
	_, err = pf.Open()
	require.NoError(t, err)
	require.NoError(t, pf.Close())

	pf2, err := New(dir, 512, nil)
	require.NoError(t, err)
	_, err = pf2.Open()
	require.ErrorIs(t, err, ErrPageSizeMismatch)
}

func TestPageFile_WriteReadPageRoundTrip(t *testing.T) {
	pf := openTestFile(t, 128)
	buf := make([]byte, 128)
	copy(buf, []byte("hello page"))
	require.NoError(t, pf.WritePage(1, buf))

	got := make([]byte, 128)
	require.NoError(t, pf.ReadPage(1, got))
	require.Equal(t, buf, got)
}

func TestPageFile_WritePageRejectsShortBuffer(t *testing.T) {
	pf := openTestFile(t, 128)
	err := pf.WritePage(1, make([]byte, 100))
	require.Error(t, err)
}

func TestPageFile_SliceReadWriteUnslice(t *testing.T) {
	pf := openTestFile(t, 64)

	w, err := pf.Slice(ModeWrite, 2, 1)
	require.NoError(t, err)
	copy(w.Buf, []byte("sliced"))
	require.NoError(t, pf.Unslice(w))

	r, err := pf.Slice(ModeRead, 2, 1)
	require.NoError(t, err)
	require.Equal(t, "sliced", string(r.Buf[:6]))
	require.NoError(t, pf.Unslice(r))
}

func TestPageFile_SliceReadNeverWritesBack(t *testing.T) {
	pf := openTestFile(t, 64)
	buf := make([]byte, 64)
	copy(buf, []byte("original"))
	require.NoError(t, pf.WritePage(3, buf))

	r, err := pf.Slice(ModeRead, 3, 1)
	require.NoError(t, err)
	copy(r.Buf, []byte("mutated!"))
	require.NoError(t, pf.Unslice(r))

	got := make([]byte, 64)
	require.NoError(t, pf.ReadPage(3, got))
	require.Equal(t, "original", string(got[:8]))
}

func TestPageFile_Pages(t *testing.T) {
	pf := openTestFile(t, 100)
	require.Equal(t, 0, pf.Pages(0))
	require.Equal(t, 1, pf.Pages(1))
	require.Equal(t, 1, pf.Pages(100))
	require.Equal(t, 2, pf.Pages(101))
}
