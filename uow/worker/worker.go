// Package worker implements the flush side of the unit-of-work
// pipeline: a single background goroutine that takes batches of ready
// UOWs, serializes every action they carry into one transaction, and
// reports completion back to the coordinator.
package worker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nimbusmq/pagedstore/pagestore"
	"github.com/nimbusmq/pagedstore/uow"
)

// Engine is the subset of *pagestore.Engine the worker depends on.
type Engine interface {
	BeginTx() *pagestore.Transaction
}

// Worker implements uow.FlushWorker by running every flush on a single
// background goroutine, gated by a token-bucket rate limiter so a burst
// of flush triggers cannot starve the engine's commit path.
type Worker struct {
	engine  Engine
	limiter *rate.Limiter
	logger  *zap.Logger
	tracer  trace.Tracer

	batches chan batchJob
	quit    chan struct{}
	done    chan struct{}
}

type batchJob struct {
	ctx    context.Context
	uows   []*uow.UOW
	onDone func([]*uow.UOW, error)
}

var _ uow.FlushWorker = (*Worker)(nil)

// New builds a Worker. ratePerSec <= 0 disables throttling.
func New(engine Engine, ratePerSec int, logger *zap.Logger, tracer trace.Tracer) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("uow.worker")
	}
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	w := &Worker{
		engine:  engine,
		limiter: limiter,
		logger:  logger.With(zap.String("component", "uow.worker")),
		tracer:  tracer,
		batches: make(chan batchJob, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Stop halts the worker's goroutine once its current batch (if any)
// finishes.
func (w *Worker) Stop() {
	close(w.quit)
	<-w.done
}

// Store implements uow.FlushWorker. It queues the batch for the
// background goroutine and returns immediately; onDone runs on that
// goroutine once the batch's transaction has committed or aborted.
func (w *Worker) Store(ctx context.Context, uows []*uow.UOW, onDone func([]*uow.UOW, error)) {
	select {
	case w.batches <- batchJob{ctx: ctx, uows: uows, onDone: onDone}:
	case <-w.quit:
	}
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case job := <-w.batches:
			w.process(job)
		}
	}
}

func (w *Worker) process(job batchJob) {
	if w.limiter != nil {
		if err := w.limiter.WaitN(job.ctx, 1); err != nil {
			job.onDone(job.uows, err)
			return
		}
	}

	ctx, span := w.tracer.Start(job.ctx, "uow.worker.flush")
	defer span.End()
	span.SetAttributes(attribute.Int("uow.batch_size", len(job.uows)))

	tx := w.engine.BeginTx()
	if err := w.storeBatch(tx, job.uows); err != nil {
		tx.Rollback()
		w.logger.Error("flush failed", zap.Int("batch_size", len(job.uows)), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		job.onDone(job.uows, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("commit failed", zap.Int("batch_size", len(job.uows)), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		job.onDone(job.uows, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	job.onDone(job.uows, nil)
}

// storeBatch serializes every surviving action across the batch into
// tx: adopt each action's pre-reserved pages as locally allocated, then
// apply its store, its enqueues, and its dequeues in that order.
func (w *Worker) storeBatch(tx *pagestore.Transaction, uows []*uow.UOW) error {
	for _, u := range uows {
		for _, action := range u.Actions() {
			if action.Record != nil {
				tx.AdoptAllocated(action.Record.PageID)
				if err := pagestore.Put[*uow.MessageRecord](tx, MessageCodec{}, action.Record.PageID, action.Record); err != nil {
					return err
				}
			}
			for _, enq := range action.Enqueues {
				tx.AdoptAllocated(enq.PageID)
				if err := pagestore.Put[uow.QueueEntryRecord](tx, QueueEntryCodec{}, enq.PageID, enq); err != nil {
					return err
				}
			}
			for _, deq := range action.Dequeues {
				if err := pagestore.Remove[uow.QueueEntryRecord](tx, QueueEntryCodec{}, deq.PageID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
