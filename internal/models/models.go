package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OperationType selects how a transfer lands on chain.
type OperationType string

const (
	// DirectPayment is a plain payment to the destination account.
	DirectPayment OperationType = "direct_payment"
	// DeferredClaim parks the funds in an on-chain claimable artifact until
	// the recipient claims them. Used when the destination has no trust line.
	DeferredClaim OperationType = "deferred_claim"
)

// Asset identifies a token. An empty Issuer means the native gas asset.
type Asset struct {
	Code   string `json:"code"`
	Issuer string `json:"issuer,omitempty"`
}

func (a Asset) IsNative() bool {
	return a.Issuer == ""
}

func (a Asset) String() string {
	if a.IsNative() {
		return "native"
	}
	return fmt.Sprintf("%s:%s", a.Code, a.Issuer)
}

// Operation is a single token transfer awaiting submission.
type Operation struct {
	Destination string          `json:"destination"`
	Asset       Asset           `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	Type        OperationType   `json:"type"`

	// MovedToEnd is a sticky flag: set exactly once when the operation is
	// requeued to the tail after a failed asset refill. A second refill
	// failure rules the operation invalid instead of requeueing it again.
	MovedToEnd bool `json:"-"`
}

// NewOperation builds a direct payment for the given destination.
func NewOperation(destination string, asset Asset, amount decimal.Decimal) *Operation {
	return &Operation{
		Destination: destination,
		Asset:       asset,
		Amount:      amount,
		Type:        DirectPayment,
	}
}

// Batch is the envelope a distributor queue hands to the sender.
type Batch struct {
	Ops     []*Operation
	Memo    string
	Issuers []Credential
	Tag     string

	// RetryCount counts whole-batch failures at the queue level. A batch is
	// dropped once it exceeds the queue's retry budget.
	RetryCount int
}

// Distributor is a sending wallet registered in the fleet.
type Distributor struct {
	ID         int64
	Credential Credential
	Active     bool
}
