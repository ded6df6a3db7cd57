package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"starpay/internal/eventbus"
	"starpay/internal/models"
)

// Config tunes the dispatcher. Zero values take the production defaults.
type Config struct {
	// RefreshInterval is the fleet/issuer refresh period.
	RefreshInterval time.Duration
	Queue           QueueConfig
	Sender          SenderConfig
}

// Dispatcher owns the distributor fleet: it admits operation batches onto
// the least-loaded queue, keeps the fleet in sync with the distributor
// source, and refreshes the issuer set used for refills.
type Dispatcher struct {
	settings SettingsStore
	source   DistributorSource
	sender   *Sender
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu is the admission mutex: it guards pending, queues and issuers and
	// is held for the whole Submit body and for all registry mutations.
	mu      sync.Mutex
	pending []*models.Operation
	queues  map[int64]*Queue
	issuers []models.Credential
}

func New(g BlockchainGateway, settings SettingsStore, source DistributorSource, bus *eventbus.Bus, cfg Config) *Dispatcher {
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 60 * time.Second
	}
	return &Dispatcher{
		settings: settings,
		source:   source,
		sender:   NewSender(g, settings, bus, cfg.Sender),
		cfg:      cfg,
		queues:   make(map[int64]*Queue),
	}
}

// Start performs an initial fleet refresh, then launches the periodic
// refresh loop. Submit works as soon as Start returns.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.refresh(d.ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				d.refresh(d.ctx)
			}
		}
	}()
	log.Printf("[dispatcher] started (%d distributors, refresh every %s)", d.QueueCount(), d.cfg.RefreshInterval)
}

// Submit appends the operations to the pending buffer, then drains it into
// ≤100-op batches, each admitted to the queue with the smallest backlog
// (ties broken by lowest id). Synchronous with respect to admission only;
// settlement is asynchronous. Submitting zero operations is a no-op.
func (d *Dispatcher) Submit(ops []*models.Operation, memo, tag string) error {
	if len(ops) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queues) == 0 {
		return ErrNoDistributors
	}

	d.pending = append(d.pending, ops...)
	for len(d.pending) > 0 {
		n := len(d.pending)
		if n > MaxOpsPerBatch {
			n = MaxOpsPerBatch
		}
		q := d.smallestQueue()
		batch := &models.Batch{
			Ops:     append([]*models.Operation(nil), d.pending[:n]...),
			Memo:    memo,
			Issuers: append([]models.Credential(nil), d.issuers...),
			Tag:     tag,
		}
		if err := q.Enqueue(batch); err != nil {
			// The unadmitted slice is still the head of pending, so a
			// retried Submit re-admits it in the original order.
			return fmt.Errorf("distributor %d rejected batch %q: %v: %w", q.ID(), tag, err, ErrAdmissionFailed)
		}
		d.pending = d.pending[n:]
	}
	return nil
}

// smallestQueue picks the queue with the fewest waiting batches, lowest id
// winning ties. Caller holds d.mu; the map is non-empty.
func (d *Dispatcher) smallestQueue() *Queue {
	var best *Queue
	bestSize := 0
	for _, q := range d.queues {
		size := q.Size()
		if best == nil || size < bestSize || (size == bestSize && q.ID() < best.ID()) {
			best = q
			bestSize = size
		}
	}
	return best
}

// refresh reconciles the local fleet with the distributor source and
// refreshes the issuer set. Source failures leave the current fleet as is.
func (d *Dispatcher) refresh(ctx context.Context) {
	dists, err := d.source.ActiveDistributors(ctx)
	if err != nil {
		log.Printf("[dispatcher] fleet refresh failed: %v", err)
	} else {
		upstream := make(map[int64]models.Distributor, len(dists))
		for _, dist := range dists {
			if dist.Active {
				upstream[dist.ID] = dist
			}
		}

		d.mu.Lock()
		for id, q := range d.queues {
			if _, ok := upstream[id]; !ok {
				log.Printf("[dispatcher] distributor %d no longer active, quitting queue", id)
				q.Quit()
				delete(d.queues, id)
			}
		}
		for id, dist := range upstream {
			if _, ok := d.queues[id]; ok {
				continue
			}
			cred, err := models.ParseCredential(dist.Credential.Address, dist.Credential.Seed)
			if err != nil {
				log.Printf("[dispatcher] skipping distributor %d: %v", id, err)
				continue
			}
			d.queues[id] = d.newQueue(models.Distributor{ID: id, Credential: cred, Active: true})
			log.Printf("[dispatcher] added distributor %d (%s)", id, cred.Address)
		}
		d.mu.Unlock()
	}

	issuers, err := d.settings.IssuerCredentials(ctx)
	if err != nil {
		log.Printf("[dispatcher] issuer refresh failed: %v", err)
		return
	}
	d.mu.Lock()
	d.issuers = issuers
	d.mu.Unlock()
}

func (d *Dispatcher) newQueue(dist models.Distributor) *Queue {
	send := func(ctx context.Context, b *models.Batch) error {
		return d.sender.Send(ctx, dist, b.Ops, b.Memo, b.Issuers, b.Tag)
	}
	return NewQueue(d.ctx, dist.ID, dist.Credential, send, d.cfg.Queue)
}

// QueueSizes snapshots the per-distributor backlog for the ops surface.
func (d *Dispatcher) QueueSizes() map[int64]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	sizes := make(map[int64]int, len(d.queues))
	for id, q := range d.queues {
		sizes[id] = q.Size()
	}
	return sizes
}

func (d *Dispatcher) QueueCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// PendingDepth is the number of operations awaiting chunking. Non-zero only
// while a Submit call is in flight.
func (d *Dispatcher) PendingDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Shutdown quits every queue and waits for the workers to finish their
// current batch, up to the given timeout. Undrained batches are discarded
// by the queues with a logged count.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	d.mu.Lock()
	queues := make([]*Queue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	for _, q := range queues {
		q.Quit()
	}

	done := make(chan struct{})
	go func() {
		for _, q := range queues {
			q.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[dispatcher] shutdown complete")
	case <-time.After(timeout):
		log.Printf("[dispatcher] shutdown deadline exceeded, abandoning workers")
	}

	// Stop the refresh loop and interrupt any abandoned waits.
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}
