package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbusmq/pagedstore/pagestore"
	"github.com/nimbusmq/pagedstore/pagestore/pagefile"
	"github.com/nimbusmq/pagedstore/uow"
	"github.com/nimbusmq/pagedstore/uow/worker"
)

func setupStore(t *testing.T, flushDelay time.Duration) (*Store, *worker.Worker) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	engine, err := pagestore.Open(t.TempDir(), 4096, pagefile.PageID(1<<16), logger, nil, nil)
	require.NoError(t, err)

	w := worker.New(engine, 0, logger, nil)
	coord := uow.NewCoordinator(w, engine.Allocator(), flushDelay, logger, nil, nil)
	coord.Start()
	t.Cleanup(coord.Stop)
	t.Cleanup(w.Stop)

	s := New(engine, coord, logger, nil)
	t.Cleanup(s.Close)
	return s, w
}

func TestStore_AddListRemoveQueue(t *testing.T) {
	s, _ := setupStore(t, -1)

	key, err := s.AddQueue("orders", []byte("meta"))
	require.NoError(t, err)

	list := s.ListQueues()
	require.Len(t, list, 1)
	require.Equal(t, "orders", list[0].Name)

	status, ok := s.GetQueueStatus(context.Background(), key)
	require.True(t, ok)
	require.Equal(t, 0, status.EntryCount)

	require.True(t, s.RemoveQueue(key))
	require.False(t, s.RemoveQueue(key))
	require.Empty(t, s.ListQueues())
}

func TestStore_StoreEnqueueLoadRoundTrip(t *testing.T) {
	s, _ := setupStore(t, -1) // flush immediately

	queueKey, err := s.AddQueue("orders", nil)
	require.NoError(t, err)

	u := s.CreateStoreUOW()
	msgKey := u.Store([]byte("payload"))
	u.Enqueue(queueKey, 1, msgKey)

	done := make(chan error, 1)
	u.OnComplete(func(err error) { done <- err })
	u.Dispose()
	require.NoError(t, <-done)

	rec, err := s.LoadMessage(msgKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "payload", string(rec.Body))

	entries := s.ListQueueEntries(queueKey, 0, ^uint64(0))
	require.Len(t, entries, 1)
	require.Equal(t, uint64(1), entries[0].QueueSeq)

	ranges := s.ListQueueEntryRanges(queueKey, 10)
	require.Equal(t, []EntryRange{{FirstSeq: 1, LastSeq: 1}}, ranges)

	status, ok := s.GetQueueStatus(context.Background(), queueKey)
	require.True(t, ok)
	require.Equal(t, 1, status.EntryCount)
}

func TestStore_DequeueRemovesDurableEntry(t *testing.T) {
	s, _ := setupStore(t, -1)

	queueKey, err := s.AddQueue("orders", nil)
	require.NoError(t, err)

	u1 := s.CreateStoreUOW()
	msgKey := u1.Store([]byte("payload"))
	u1.Enqueue(queueKey, 1, msgKey)
	done1 := make(chan error, 1)
	u1.OnComplete(func(err error) { done1 <- err })
	u1.Dispose()
	require.NoError(t, <-done1)

	u2 := s.CreateStoreUOW()
	u2.Dequeue(queueKey, 1, msgKey)
	done2 := make(chan error, 1)
	u2.OnComplete(func(err error) { done2 <- err })
	u2.Dispose()
	require.NoError(t, <-done2)

	require.Empty(t, s.ListQueueEntries(queueKey, 0, ^uint64(0)))
}

func TestStore_FlushMessageCompletesImmediately(t *testing.T) {
	s, _ := setupStore(t, time.Hour)

	queueKey, err := s.AddQueue("orders", nil)
	require.NoError(t, err)

	u := s.CreateStoreUOW()
	msgKey := u.Store([]byte("payload"))
	u.Enqueue(queueKey, 1, msgKey)
	u.Dispose()

	done := make(chan error, 1)
	s.FlushMessage(msgKey, func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("FlushMessage never completed")
	}
}

func TestStore_Purge(t *testing.T) {
	s, _ := setupStore(t, -1)

	queueKey, err := s.AddQueue("orders", nil)
	require.NoError(t, err)

	u := s.CreateStoreUOW()
	msgKey := u.Store([]byte("payload"))
	u.Enqueue(queueKey, 1, msgKey)
	done := make(chan error, 1)
	u.OnComplete(func(err error) { done <- err })
	u.Dispose()
	require.NoError(t, <-done)

	require.NoError(t, s.Purge(context.Background()))
	require.Empty(t, s.ListQueues())

	rec, err := s.LoadMessage(msgKey)
	require.NoError(t, err)
	require.Nil(t, rec)
}
