package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"starpay/internal/eventbus"
	"starpay/internal/models"
)

const (
	// MaxOpsPerBatch caps the number of operations in one submission.
	MaxOpsPerBatch = 100
	// MaxOpRetries bounds consecutive resubmissions of the same batch when
	// every failure was corrected in place (trust added, tokens refilled).
	MaxOpRetries = 5
	// MaxTransientRetries bounds transport-level retries per admission.
	MaxTransientRetries = 3
	// MaxItemRetries bounds whole-batch retries at the queue level.
	MaxItemRetries = 10
)

// HardAmountLimit is the largest amount allowed inside a multi-op batch.
// Operations at or above it are clamped and submitted alone.
var HardAmountLimit = decimal.New(9, 11)

// SenderConfig tunes the sender's wait intervals. Zero values take the
// production defaults; tests shrink them.
type SenderConfig struct {
	// StopSendingPoll is the re-poll interval while the kill switch is off.
	StopSendingPoll time.Duration
	// OpRetryDelay is the pause before resubmitting a corrected batch.
	OpRetryDelay time.Duration
	// TransientRetryUnit scales the 3^n transient backoff.
	TransientRetryUnit time.Duration
}

// Sender drives batching, error-driven recovery and requeueing for one
// distributor at a time. It is stateless across calls and safe for use from
// multiple queue workers concurrently.
type Sender struct {
	gateway  BlockchainGateway
	settings SettingsStore
	actuator *Actuator
	bus      *eventbus.Bus // optional
	cfg      SenderConfig
}

func NewSender(g BlockchainGateway, settings SettingsStore, bus *eventbus.Bus, cfg SenderConfig) *Sender {
	if cfg.StopSendingPoll == 0 {
		cfg.StopSendingPoll = 60 * time.Second
	}
	if cfg.OpRetryDelay == 0 {
		cfg.OpRetryDelay = time.Second
	}
	if cfg.TransientRetryUnit == 0 {
		cfg.TransientRetryUnit = time.Second
	}
	return &Sender{
		gateway:  g,
		settings: settings,
		actuator: NewActuator(g, settings),
		bus:      bus,
		cfg:      cfg,
	}
}

// Send submits the operations from the distributor wallet, recovering from
// per-operation failures until every operation has either landed on chain,
// been converted to a deferred claim that landed, or been individually ruled
// invalid. It returns an error only when a retry budget is exhausted with no
// progress or the context is cancelled.
func (s *Sender) Send(ctx context.Context, dist models.Distributor, ops []*models.Operation, memo string, issuers []models.Credential, tag string) error {
	if len(ops) == 0 {
		return nil
	}

	remaining := make([]*models.Operation, len(ops))
	copy(remaining, ops)

	// Largest first: oversize items surface at the head and get isolated
	// early, and batches pack densely.
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].Amount.GreaterThan(remaining[j].Amount)
	})

	for len(remaining) > 0 {
		// The in-flight batch is always the leading n items of remaining,
		// so batch indices are valid indices into remaining.
		n := len(remaining)
		if n > MaxOpsPerBatch {
			n = MaxOpsPerBatch
		}
		transientRetries := 0
		opRetries := 0

	inner:
		for {
			if err := s.waitSendingEnabled(ctx); err != nil {
				return err
			}

			// Oversize operations cannot ride in a multi-op batch: clamp a
			// copy and submit it alone, then retire the original.
			if idx := indexOversize(remaining[:n]); idx >= 0 {
				op := remaining[idx]
				clamped := *op
				clamped.Amount = HardAmountLimit.Sub(decimal.New(1, 0))

				hash, err := s.gateway.SendMany(ctx, dist.Credential, []*models.Operation{&clamped}, memo)
				if err == nil {
					s.publishSubmitted(dist, []*models.Operation{op}, tag, hash)
					remaining = removeAt(remaining, idx)
					n--
					if n == 0 {
						break inner
					}
					continue inner
				}

				plan := Classify(err, []*models.Operation{&clamped})
				if plan.TxAction != ActionNone {
					retry, serr := s.resolveTxAction(ctx, dist, plan, err, remaining[:n], tag, &transientRetries)
					if serr != nil {
						return serr
					}
					if retry {
						continue inner
					}
				}

				// Per-op verdict on the clamped submission: the same
				// recovery as a multi-op batch, applied to the one-element
				// batch. A corrected op is resubmitted (still clamped).
				corrected := false
				moved := false
				switch {
				case len(plan.ConvertToClaim) > 0:
					ConvertToDeferredClaim(op)
					corrected = true
				case len(plan.NeedTrust) > 0:
					corrected = s.actuator.EstablishTrust(ctx, dist.Credential, op.Asset)
				case len(plan.NeedRefill) > 0:
					corrected = s.actuator.RefillAsset(ctx, dist.Credential, op.Asset, issuers)
					moved = !corrected && !op.MovedToEnd
				}

				switch {
				case corrected:
					opRetries++
					if opRetries >= MaxOpRetries {
						log.Printf("[sender %s] op retry budget exhausted, dropping oversize op to %s", tag, op.Destination)
						s.publishFailed(dist, []*models.Operation{op}, tag, "op retries exhausted")
						remaining = removeAt(remaining, idx)
						n--
					} else {
						if err := sleepCtx(ctx, s.cfg.OpRetryDelay); err != nil {
							return err
						}
						continue inner
					}
				case moved:
					op.MovedToEnd = true
					remaining = removeAt(remaining, idx)
					remaining = append(remaining, op)
					n--
				default:
					log.Printf("[sender %s] oversize op to %s ruled invalid", tag, op.Destination)
					s.publishInvalid(op, tag, "ruled invalid by gateway")
					remaining = removeAt(remaining, idx)
					n--
				}
				if n == 0 {
					break inner
				}
				continue inner
			}

			current := remaining[:n]
			hash, err := s.gateway.SendMany(ctx, dist.Credential, current, memo)
			if err == nil {
				s.publishSubmitted(dist, current, tag, hash)
				remaining = remaining[n:]
				break inner
			}

			plan := Classify(err, current)
			if plan.TxAction != ActionNone {
				retry, serr := s.resolveTxAction(ctx, dist, plan, err, current, tag, &transientRetries)
				if serr != nil {
					return serr
				}
				if retry {
					continue inner
				}
			}

			// Per-operation recovery. Side-effect failures demote indices:
			// a failed trust line rules the op invalid, a failed refill
			// moves it to the end (once).
			invalid := make(map[int]bool, len(plan.Invalid))
			for _, i := range plan.Invalid {
				invalid[i] = true
			}
			for _, tr := range plan.NeedTrust {
				if !s.actuator.EstablishTrust(ctx, dist.Credential, tr.Asset) {
					invalid[tr.Index] = true
				}
			}
			var moved []int
			for _, rf := range plan.NeedRefill {
				if s.actuator.RefillAsset(ctx, dist.Credential, rf.Asset, issuers) {
					continue
				}
				op := current[rf.Index]
				if op.MovedToEnd {
					// Already deferred once; a second under-funding is final.
					invalid[rf.Index] = true
				} else {
					moved = append(moved, rf.Index)
				}
			}
			for _, i := range plan.ConvertToClaim {
				ConvertToDeferredClaim(current[i])
			}

			toRemove := make([]int, 0, len(invalid)+len(moved))
			for i := range invalid {
				s.publishInvalid(current[i], tag, "ruled invalid by gateway")
				toRemove = append(toRemove, i)
			}
			var tail []*models.Operation
			for _, i := range moved {
				if invalid[i] {
					continue
				}
				op := current[i]
				op.MovedToEnd = true
				tail = append(tail, op)
				toRemove = append(toRemove, i)
			}

			if len(toRemove) == 0 {
				// Every failure was corrected in place; resubmit the same batch.
				opRetries++
				if opRetries >= MaxOpRetries {
					log.Printf("[sender %s] op retry budget exhausted, dropping %d ops", tag, n)
					s.publishFailed(dist, current, tag, "op retries exhausted")
					remaining = remaining[n:]
					break inner
				}
				if err := sleepCtx(ctx, s.cfg.OpRetryDelay); err != nil {
					return err
				}
				continue inner
			}

			// Descending-order removal keeps lower indices valid.
			sort.Sort(sort.Reverse(sort.IntSlice(toRemove)))
			for _, i := range toRemove {
				remaining = removeAt(remaining, i)
			}
			n -= len(toRemove)
			remaining = append(remaining, tail...)
			opRetries = 0
			if n == 0 {
				break inner
			}
		}
	}
	return nil
}

// resolveTxAction applies the transaction-level part of a recovery plan.
// retry=true means back off and resubmit; a non-nil error means a budget was
// exhausted or the failure is fatal and the in-flight ops were dropped.
func (s *Sender) resolveTxAction(ctx context.Context, dist models.Distributor, plan Plan, cause error, inflight []*models.Operation, tag string, transientRetries *int) (bool, error) {
	switch plan.TxAction {
	case ActionRetry:
		if plan.RefillGas {
			s.actuator.RefillGas(ctx, dist.Credential)
		}
		if *transientRetries >= MaxTransientRetries {
			log.Printf("[sender %s] transient retry budget exhausted, dropping %d ops: %v", tag, len(inflight), cause)
			s.publishFailed(dist, inflight, tag, "transient retries exhausted")
			return false, fmt.Errorf("batch %q: %v: %w", tag, cause, ErrBatchPermanentlyFailed)
		}
		*transientRetries++
		if err := sleepCtx(ctx, s.transientDelay(*transientRetries)); err != nil {
			return false, err
		}
		return true, nil
	case ActionFatal:
		log.Printf("[sender %s] unrecoverable gateway failure: %v", tag, cause)
		s.publishFailed(dist, inflight, tag, "unrecoverable failure")
		return false, fmt.Errorf("batch %q: %v: %w", tag, cause, ErrBatchPermanentlyFailed)
	}
	return false, nil
}

// waitSendingEnabled blocks while the admin kill switch is off, re-polling
// without consuming any retry budget. A settings-store outage does not block
// sending.
func (s *Sender) waitSendingEnabled(ctx context.Context) error {
	for {
		enabled, err := s.settings.SendingEnabled(ctx)
		if err != nil {
			log.Printf("[sender] sending-enabled poll failed, proceeding: %v", err)
			return nil
		}
		if enabled {
			return nil
		}
		log.Printf("[sender] sending disabled, re-polling in %s", s.cfg.StopSendingPoll)
		if err := sleepCtx(ctx, s.cfg.StopSendingPoll); err != nil {
			return err
		}
	}
}

// transientDelay is unit * 3^n: 3s, 9s, 27s at the default unit.
func (s *Sender) transientDelay(n int) time.Duration {
	d := s.cfg.TransientRetryUnit
	for i := 0; i < n; i++ {
		d *= 3
	}
	return d
}

func (s *Sender) publishSubmitted(dist models.Distributor, ops []*models.Operation, tag, hash string) {
	log.Printf("[sender %s] submitted %d ops from distributor %d: %s", tag, len(ops), dist.ID, hash)
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:      eventbus.EventBatchSubmitted,
		Tag:       tag,
		Timestamp: time.Now(),
		Data:      eventbus.BatchSubmitted{TxHash: hash, Distributor: dist.ID, Ops: ops},
	})
}

func (s *Sender) publishInvalid(op *models.Operation, tag, reason string) {
	log.Printf("[sender %s] op to %s (%s %s) invalid: %s", tag, op.Destination, op.Amount, op.Asset, reason)
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:      eventbus.EventOpInvalid,
		Tag:       tag,
		Timestamp: time.Now(),
		Data:      eventbus.OpInvalid{Op: op, Reason: reason},
	})
}

func (s *Sender) publishFailed(dist models.Distributor, ops []*models.Operation, tag, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:      eventbus.EventBatchFailed,
		Tag:       tag,
		Timestamp: time.Now(),
		Data:      eventbus.BatchFailed{Distributor: dist.ID, Ops: ops, Reason: reason},
	})
}

func indexOversize(ops []*models.Operation) int {
	for i, op := range ops {
		if op.Amount.GreaterThanOrEqual(HardAmountLimit) {
			return i
		}
	}
	return -1
}

func removeAt(ops []*models.Operation, i int) []*models.Operation {
	return append(ops[:i], ops[i+1:]...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
