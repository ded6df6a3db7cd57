package dispatch

import (
	"errors"

	"starpay/internal/gateway"
	"starpay/internal/models"
)

// TxAction is the transaction-level verdict of a classification.
type TxAction int

const (
	// ActionNone: the failure is addressed per operation.
	ActionNone TxAction = iota
	// ActionRetry: transient; back off and resubmit the same batch.
	ActionRetry
	// ActionFatal: unrecoverable; surface the error to the queue.
	ActionFatal
)

// TrustRequest asks the actuator to establish a trust line before the
// operation at Index can be retried.
type TrustRequest struct {
	Index int
	Asset models.Asset
}

// RefillRequest asks the actuator to top up the distributor's balance of
// Asset before the operation at Index can be retried.
type RefillRequest struct {
	Index int
	Asset models.Asset
}

// Plan is the structured recovery plan produced by classification. Index
// sets refer to positions in the batch that was submitted.
type Plan struct {
	TxAction TxAction

	// RefillGas: the distributor ran out of the native gas asset; top it up
	// before the transient retry.
	RefillGas bool

	// Invalid operations are permanently ruled out.
	Invalid []int
	// ConvertToClaim operations are mutated to deferred claims and retried.
	ConvertToClaim []int
	// NeedTrust / NeedRefill require an actuator side effect; a side-effect
	// failure demotes the index to Invalid / move-to-end respectively.
	NeedTrust  []TrustRequest
	NeedRefill []RefillRequest
}

// Classify maps a gateway failure to a recovery plan. It is a pure function
// of the error payload and the submitted batch; repeated classification of
// the same failure yields the same plan.
//
// The mapping is total: transport errors and unparseable responses are
// transient, unrecognized per-operation codes are invalid, and an
// unrecognized transaction-level code with no per-operation detail is fatal
// (no recovery action can repair it, so retrying would only burn budget).
func Classify(err error, ops []*models.Operation) Plan {
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		// Network error, timeout, cancellation: the transport never produced
		// a verdict.
		return Plan{TxAction: ActionRetry}
	}

	rc := gerr.ResultCodes
	if rc == nil || (rc.Transaction == "" && len(rc.Operations) == 0) {
		// 5xx, or a response body with no result codes.
		return Plan{TxAction: ActionRetry}
	}

	if rc.Transaction == gateway.TxInsufficientBalance {
		return Plan{TxAction: ActionRetry, RefillGas: true}
	}

	if len(rc.Operations) == 0 {
		return Plan{TxAction: ActionFatal}
	}

	plan := Plan{TxAction: ActionNone}
	for i, code := range rc.Operations {
		if i >= len(ops) {
			break
		}
		switch code {
		case gateway.OpSuccess:
			// keep
		case gateway.OpNoTrust:
			plan.ConvertToClaim = append(plan.ConvertToClaim, i)
		case gateway.OpSrcNoTrust:
			plan.NeedTrust = append(plan.NeedTrust, TrustRequest{Index: i, Asset: ops[i].Asset})
		case gateway.OpUnderfunded:
			plan.NeedRefill = append(plan.NeedRefill, RefillRequest{Index: i, Asset: ops[i].Asset})
		default:
			// op_malformed, op_line_full and anything unrecognized.
			plan.Invalid = append(plan.Invalid, i)
		}
	}
	return plan
}
