package agent

import (
	"context"
	"errors"
	"time"
)

var ErrQueueFull = errors.New("signal queue is full")

// SignalQueue is a bounded FIFO between signal producers and the analysis
// loop. Producers either block (Enqueue) or are refused (TryEnqueue).
type SignalQueue struct {
	ch chan Signal
}

func NewSignalQueue(capacity int) *SignalQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &SignalQueue{ch: make(chan Signal, capacity)}
}

func (q *SignalQueue) Enqueue(ctx context.Context, sig Signal) error {
	select {
	case q.ch <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *SignalQueue) TryEnqueue(sig Signal) error {
	select {
	case q.ch <- sig:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *SignalQueue) Len() int { return len(q.ch) }

func (q *SignalQueue) Cap() int { return cap(q.ch) }

// Run drains the queue in batches of at most batchSize, flushing a partial
// batch after flushInterval. It returns when ctx ends or the handler fails.
func (q *SignalQueue) Run(ctx context.Context, batchSize int, flushInterval time.Duration, handle func(context.Context, []Signal) error) error {
	if batchSize <= 0 {
		batchSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Signal, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out := append([]Signal(nil), batch...)
		batch = batch[:0]
		return handle(ctx, out)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-q.ch:
			batch = append(batch, sig)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
