package repository

import (
	"context"
	"fmt"
	"log"

	"starpay/internal/eventbus"
	"starpay/internal/models"
)

// Journal outcomes.
const (
	OutcomeSubmitted = "submitted"
	OutcomeInvalid   = "invalid"
	OutcomeDropped   = "dropped"
)

type JournalEntry struct {
	Tag     string
	Op      *models.Operation
	Outcome string
	TxHash  string
	Reason  string
}

// RecordOutcome appends a terminal per-operation outcome to the journal.
func (r *Repository) RecordOutcome(ctx context.Context, e JournalEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payout_journal (tag, destination, asset_code, asset_issuer, amount, op_type, outcome, tx_hash, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.Tag, e.Op.Destination, e.Op.Asset.Code, e.Op.Asset.Issuer, e.Op.Amount, string(e.Op.Type), e.Outcome, e.TxHash, e.Reason)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// RunJournalRecorder consumes dispatch lifecycle events from the bus and
// persists terminal outcomes. Blocks until ctx is cancelled; run it in its
// own goroutine. Write failures are logged, never fatal: the journal is an
// audit trail, not a source of truth.
func (r *Repository) RunJournalRecorder(ctx context.Context, bus *eventbus.Bus) {
	events := make(chan eventbus.Event, 256)
	bus.Subscribe(eventbus.EventBatchSubmitted, events)
	bus.Subscribe(eventbus.EventOpInvalid, events)
	bus.Subscribe(eventbus.EventBatchFailed, events)

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			r.recordEvent(ctx, evt)
		}
	}
}

func (r *Repository) recordEvent(ctx context.Context, evt eventbus.Event) {
	switch data := evt.Data.(type) {
	case eventbus.BatchSubmitted:
		for _, op := range data.Ops {
			err := r.RecordOutcome(ctx, JournalEntry{Tag: evt.Tag, Op: op, Outcome: OutcomeSubmitted, TxHash: data.TxHash})
			if err != nil {
				log.Printf("[journal] record submitted: %v", err)
			}
		}
	case eventbus.OpInvalid:
		err := r.RecordOutcome(ctx, JournalEntry{Tag: evt.Tag, Op: data.Op, Outcome: OutcomeInvalid, Reason: data.Reason})
		if err != nil {
			log.Printf("[journal] record invalid: %v", err)
		}
	case eventbus.BatchFailed:
		for _, op := range data.Ops {
			err := r.RecordOutcome(ctx, JournalEntry{Tag: evt.Tag, Op: op, Outcome: OutcomeDropped, Reason: data.Reason})
			if err != nil {
				log.Printf("[journal] record dropped: %v", err)
			}
		}
	}
}
