package dispatch

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"starpay/internal/models"
)

// QueueConfig tunes a queue's wait intervals. Zero values take the
// production defaults.
type QueueConfig struct {
	// IdleGap is the short pause before draining the next batch; it avoids
	// CPU spin and clusters arrivals.
	IdleGap time.Duration
	// RetryDelay is the pause after a failed batch before retrying it.
	RetryDelay time.Duration
}

// Queue is a serial worker bound to one distributor wallet. Batches are
// drained in FIFO order, except that a failed batch is re-inserted at the
// head and runs before any later arrivals. At most one worker drains the
// queue at any time.
type Queue struct {
	id   int64
	cred models.Credential
	send func(ctx context.Context, batch *models.Batch) error
	cfg  QueueConfig

	ctx    context.Context
	active atomic.Bool

	mu      sync.Mutex
	items   []*models.Batch
	running bool

	wg sync.WaitGroup
}

// NewQueue builds an active queue whose worker runs sends through the given
// callback. ctx cancellation interrupts waits and stops the worker.
func NewQueue(ctx context.Context, id int64, cred models.Credential, send func(context.Context, *models.Batch) error, cfg QueueConfig) *Queue {
	if cfg.IdleGap == 0 {
		cfg.IdleGap = 100 * time.Millisecond
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	q := &Queue{
		id:   id,
		cred: cred,
		send: send,
		cfg:  cfg,
		ctx:  ctx,
	}
	q.active.Store(true)
	return q
}

func (q *Queue) ID() int64 { return q.id }

// Size is the number of batches waiting to be drained. Used for load
// balancing at admission time.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue appends the batch and starts a worker if none is running.
// Returns ErrQueueClosed after Quit.
func (q *Queue) Enqueue(batch *models.Batch) error {
	q.mu.Lock()
	// Checked under q.mu so an Enqueue racing a Quit either lands before
	// the quit (and is discarded with the backlog) or is rejected here.
	if !q.active.Load() {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, batch)
	start := !q.running
	if start {
		q.running = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return nil
}

// Quit stops accepting work and signals the worker to exit after its
// current batch completes. Undrained batches are discarded with a logged
// count. Cooperative: the in-flight send is not interrupted. Once Quit
// returns, every subsequent Enqueue fails with ErrQueueClosed.
func (q *Queue) Quit() {
	q.mu.Lock()
	q.active.Store(false)
	q.mu.Unlock()
}

// Wait blocks until the worker has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		if !q.active.Load() || q.ctx.Err() != nil {
			q.discard()
			return
		}

		if err := sleepCtx(q.ctx, q.cfg.IdleGap); err != nil {
			q.discard()
			return
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		batch := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		err := q.send(q.ctx, batch)
		if err == nil {
			continue
		}

		batch.RetryCount++
		if batch.RetryCount >= MaxItemRetries {
			log.Printf("[queue %d] batch %q permanently failed after %d retries: %v", q.id, batch.Tag, batch.RetryCount, err)
			continue
		}

		log.Printf("[queue %d] batch %q failed (retry %d/%d): %v", q.id, batch.Tag, batch.RetryCount, MaxItemRetries, err)
		q.mu.Lock()
		q.items = append([]*models.Batch{batch}, q.items...)
		q.mu.Unlock()

		if err := sleepCtx(q.ctx, q.cfg.RetryDelay); err != nil {
			q.discard()
			return
		}
	}
}

func (q *Queue) discard() {
	q.mu.Lock()
	dropped := len(q.items)
	q.items = nil
	q.running = false
	q.mu.Unlock()
	if dropped > 0 {
		log.Printf("[queue %d] discarded %d undrained batches on shutdown", q.id, dropped)
	}
}
