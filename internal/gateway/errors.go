package gateway

import "fmt"

// Transaction-level result codes surfaced by the gateway.
const (
	TxFailed              = "tx_failed"
	TxInsufficientBalance = "tx_insufficient_balance"
)

// Per-operation result codes. Anything not listed here is treated as a
// permanent per-operation failure by the classifier.
const (
	OpSuccess     = "op_success"
	OpNoTrust     = "op_no_trust"
	OpSrcNoTrust  = "op_src_no_trust"
	OpUnderfunded = "op_underfunded"
	OpMalformed   = "op_malformed"
	OpLineFull    = "op_line_full"
)

// ResultCodes mirrors the gateway's structured failure body. Operations is
// index-aligned with the submitted batch when present.
type ResultCodes struct {
	Transaction string   `json:"transaction,omitempty"`
	Operations  []string `json:"operations,omitempty"`
}

// Error is a structured submission failure. Status carries the HTTP status
// of the gateway response; ResultCodes is nil when the body had none (or
// could not be parsed).
type Error struct {
	Status      int
	Message     string
	ResultCodes *ResultCodes
}

func (e *Error) Error() string {
	if e.ResultCodes != nil && e.ResultCodes.Transaction != "" {
		return fmt.Sprintf("gateway: %d %s (%s)", e.Status, e.Message, e.ResultCodes.Transaction)
	}
	return fmt.Sprintf("gateway: %d %s", e.Status, e.Message)
}

// IsServerError reports whether the failure was a transport-level 5xx.
func (e *Error) IsServerError() bool {
	return e.Status >= 500
}
