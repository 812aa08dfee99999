package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nodepulse/nodepulse/internal/model"
)

const (
	opQueueSize = 256

	// Queue depth at which flushes switch from the live batch size to
	// the bulk one. Deep backlogs happen on cold start when tailers
	// replay existing log files; fewer, larger transactions drain them
	// faster.
	bulkQueueDepth = 10_000
)

// writer serializes all database writes onto one goroutine. Traffic
// events arrive on a bounded queue and are flushed in batches; every
// other write is a closure executed between batches.
type writer struct {
	db  *sql.DB
	cfg Config

	events  chan model.TrafficEvent
	ops     chan writeOp
	fatal   chan error
	dropped *xsync.Counter

	stopCh  chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
}

type writeOp struct {
	name  string
	fn    func(db *sql.DB) error
	reply chan error
}

func newWriter(db *sql.DB, cfg Config) *writer {
	return &writer{
		db:      db,
		cfg:     cfg,
		events:  make(chan model.TrafficEvent, cfg.QueueMaxSize),
		ops:     make(chan writeOp, opQueueSize),
		fatal:   make(chan error, 1),
		dropped: xsync.NewCounter(),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (w *writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop flushes everything still queued and waits for the goroutine to
// exit.
func (w *writer) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *writer) Fatal() <-chan error {
	return w.fatal
}

// Emit queues one traffic event without blocking. When the queue is
// full the event is dropped and counted; ingestion never stalls on the
// database.
func (w *writer) Emit(ev model.TrafficEvent) {
	select {
	case w.events <- ev:
	default:
		w.dropped.Inc()
	}
}

// Dropped reports how many events were discarded, either because the
// queue was full or because a batch failed all its retries.
func (w *writer) Dropped() int64 {
	return w.dropped.Value()
}

// Do runs fn on the writer goroutine and waits for its result. Every
// write outside the event batch path goes through here so SQLite only
// ever sees one writer.
func (w *writer) Do(ctx context.Context, name string, fn func(db *sql.DB) error) error {
	reply := make(chan error, 1)
	select {
	case w.ops <- writeOp{name: name, fn: fn, reply: reply}:
	case <-w.stopCh:
		return fmt.Errorf("%s: writer stopped", name)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-w.stopped:
		// The shutdown drain may have run the op already.
		select {
		case err := <-reply:
			return err
		default:
			return fmt.Errorf("%s: writer stopped", name)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) run() {
	defer w.wg.Done()
	defer close(w.stopped)
	batch := make([]model.TrafficEvent, 0, w.cfg.LiveBatchSize)
	ticker := time.NewTicker(w.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-w.events:
			batch = append(batch, ev)
			if len(batch) >= w.batchLimit() {
				w.flush(&batch)
			}
		case op := <-w.ops:
			w.runOp(op)
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(&batch)
			}
		case <-w.stopCh:
			w.drain(&batch)
			return
		}
	}
}

func (w *writer) batchLimit() int {
	if len(w.events) >= bulkQueueDepth {
		return w.cfg.BulkBatchSize
	}
	return w.cfg.LiveBatchSize
}

func (w *writer) flush(batch *[]model.TrafficEvent) {
	if len(*batch) == 0 {
		return
	}
	err := w.withRetry("insert events", func() error {
		return insertEvents(w.db, *batch)
	})
	if err != nil {
		w.dropped.Add(int64(len(*batch)))
		log.Printf("[store] dropping batch of %d events: %v", len(*batch), err)
	}
	*batch = (*batch)[:0]
}

func (w *writer) runOp(op writeOp) {
	err := w.withRetry(op.name, func() error {
		return op.fn(w.db)
	})
	if err != nil {
		log.Printf("[store] %s: %v", op.name, err)
	}
	if op.reply != nil {
		op.reply <- err
	}
}

// drain empties both queues after stop was requested, then flushes the
// final batch.
func (w *writer) drain(batch *[]model.TrafficEvent) {
	for {
		select {
		case ev := <-w.events:
			*batch = append(*batch, ev)
		case op := <-w.ops:
			w.runOp(op)
		default:
			w.flush(batch)
			return
		}
	}
}

// withRetry retries busy/locked errors with a doubling delay. A fatal
// error is reported once on the fatal channel; the caller sees every
// error either way.
func (w *writer) withRetry(name string, fn func() error) error {
	delay := w.cfg.RetryBaseDelay
	var err error
	for attempt := 1; attempt <= w.cfg.MaxWriteRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(delay)
			delay *= 2
			if delay > w.cfg.RetryMaxDelay {
				delay = w.cfg.RetryMaxDelay
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		switch classifyErr(err) {
		case errClassRetryable:
			log.Printf("[store] %s: database busy (attempt %d/%d): %v", name, attempt, w.cfg.MaxWriteRetries, err)
			continue
		case errClassFatal:
			w.reportFatal(fmt.Errorf("%s: %w", name, err))
			return err
		default:
			return err
		}
	}
	return err
}

func (w *writer) reportFatal(err error) {
	select {
	case w.fatal <- err:
	default:
	}
}
