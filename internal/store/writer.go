package store

import (
	"sync"
	"time"

	"grimm.is/warden/internal/alert"
)

const (
	writerQueueSize  = 4096
	writerBatchSize  = 128
	writerBatchDelay = 500 * time.Millisecond
)

type pending struct {
	txn *Transaction
	dns *DNSQuery
	alr *alert.Alert
}

func pendingTxn(t Transaction) pending   { return pending{txn: &t} }
func pendingDNS(q DNSQuery) pending      { return pending{dns: &q} }
func pendingAlert(a alert.Alert) pending { return pending{alr: &a} }

// writer batches appends into transactions off the hot path. enqueue is
// safe from many goroutines; when the queue is full the record is
// dropped with a warning rather than stalling interception.
type writer struct {
	db    *DB
	queue chan pending
	flushReq chan chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	dropped   int64
	mu        sync.Mutex
}

func newWriter(db *DB) *writer {
	w := &writer{
		db:       db,
		queue:    make(chan pending, writerQueueSize),
		flushReq: make(chan chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) enqueue(p pending) {
	select {
	case w.queue <- p:
	default:
		w.mu.Lock()
		w.dropped++
		n := w.dropped
		w.mu.Unlock()
		if n%100 == 1 {
			w.db.logger.Warn("Traffic write queue full, dropping records", "dropped_total", n)
		}
	}
}

// flush blocks until everything enqueued before the call is on disk.
func (w *writer) flush() {
	ack := make(chan struct{})
	select {
	case w.flushReq <- ack:
		<-ack
	case <-w.done:
	}
}

func (w *writer) close() {
	w.closeOnce.Do(func() {
		w.flush()
		close(w.queue)
		<-w.done
	})
}

func (w *writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(writerBatchDelay)
	defer ticker.Stop()

	batch := make([]pending, 0, writerBatchSize)

	commit := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.writeBatch(batch); err != nil {
			w.db.logger.Error("Failed to write traffic batch", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case p, ok := <-w.queue:
			if !ok {
				commit()
				return
			}
			batch = append(batch, p)
			if len(batch) >= writerBatchSize {
				commit()
			}
		case <-ticker.C:
			commit()
		case ack := <-w.flushReq:
			// Drain whatever is already queued, then commit.
			for {
				select {
				case p, ok := <-w.queue:
					if !ok {
						commit()
						close(ack)
						return
					}
					batch = append(batch, p)
					if len(batch) >= writerBatchSize {
						commit()
					}
					continue
				default:
				}
				break
			}
			commit()
			close(ack)
		}
	}
}

func (w *writer) writeBatch(batch []pending) error {
	tx, err := w.db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range batch {
		var err error
		switch {
		case p.txn != nil:
			err = w.db.insertTransaction(tx, p.txn)
		case p.dns != nil:
			err = w.db.insertDNSQuery(tx, p.dns)
		case p.alr != nil:
			err = w.db.insertAlert(tx, p.alr)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
