package escrow

import "errors"

// Sentinel errors returned by the ledger and dispute engines. Callers branch
// with errors.Is; the HTTP layer maps them to stable wire codes via Code.
var (
	ErrInvalidInput          = errors.New("escrow: invalid input")
	ErrAmountNotPositive     = errors.New("escrow: amount must be positive")
	ErrAccountNotFound       = errors.New("escrow: account not found")
	ErrAccountClosed         = errors.New("escrow: account closed")
	ErrInsufficientAvailable = errors.New("escrow: insufficient available balance")
	ErrFrozenUnderflow       = errors.New("escrow: unfreeze exceeds frozen amount")
	ErrFreezeExceedsBalance  = errors.New("escrow: freeze exceeds current balance")
	ErrBalanceNotZero        = errors.New("escrow: balance not zero")
	ErrTransactionNotFound   = errors.New("escrow: transaction not found")
	ErrTransactionTerminal   = errors.New("escrow: transaction already terminal")
	ErrIdempotencyMismatch   = errors.New("escrow: idempotency key reused with different parameters")
	ErrDisputeNotFound       = errors.New("escrow: dispute not found")
	ErrDisputeClosed         = errors.New("escrow: dispute already resolved")
	ErrDisputeAlreadyOpen    = errors.New("escrow: contract already has an open dispute")
	ErrDisputeTransition     = errors.New("escrow: dispute transition not permitted")
	ErrNoProposal            = errors.New("escrow: no proposed resolution to accept")
	ErrSplitExceedsClaim     = errors.New("escrow: settlement split exceeds disputed amount")
	ErrSplitMismatch         = errors.New("escrow: settlement split does not reconcile")
	ErrPendingSettlement     = errors.New("escrow: earlier transaction awaiting settlement")
	ErrGatewayDeclined       = errors.New("escrow: payment provider declined")
	ErrGatewayUnavailable    = errors.New("escrow: payment provider unavailable")
	ErrVersionConflict       = errors.New("escrow: account modified concurrently")
	ErrConsistency           = errors.New("escrow: ledger consistency violation")
)

// Code maps an engine error to its stable wire code. Unknown errors collapse
// to ESCROW_INTERNAL so provider internals never leak to clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAmountNotPositive), errors.Is(err, ErrInvalidInput):
		return "ESCROW_INVALID_INPUT"
	case errors.Is(err, ErrAccountNotFound):
		return "ESCROW_ACCOUNT_NOT_FOUND"
	case errors.Is(err, ErrAccountClosed):
		return "ESCROW_ACCOUNT_CLOSED"
	case errors.Is(err, ErrInsufficientAvailable):
		return "ESCROW_INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrFreezeExceedsBalance):
		return "ESCROW_FREEZE_EXCEEDS_BALANCE"
	case errors.Is(err, ErrFrozenUnderflow):
		return "ESCROW_FROZEN_UNDERFLOW"
	case errors.Is(err, ErrBalanceNotZero):
		return "ESCROW_BALANCE_NOT_ZERO"
	case errors.Is(err, ErrTransactionNotFound):
		return "ESCROW_TRANSACTION_NOT_FOUND"
	case errors.Is(err, ErrTransactionTerminal):
		return "ESCROW_TRANSACTION_TERMINAL"
	case errors.Is(err, ErrIdempotencyMismatch):
		return "ESCROW_IDEMPOTENCY_MISMATCH"
	case errors.Is(err, ErrDisputeNotFound):
		return "DISPUTE_NOT_FOUND"
	case errors.Is(err, ErrDisputeClosed):
		return "DISPUTE_ALREADY_RESOLVED"
	case errors.Is(err, ErrDisputeAlreadyOpen):
		return "DISPUTE_ALREADY_OPEN"
	case errors.Is(err, ErrDisputeTransition):
		return "DISPUTE_INVALID_TRANSITION"
	case errors.Is(err, ErrNoProposal):
		return "DISPUTE_NO_PROPOSAL"
	case errors.Is(err, ErrSplitExceedsClaim), errors.Is(err, ErrSplitMismatch):
		return "DISPUTE_INVALID_SPLIT"
	case errors.Is(err, ErrGatewayDeclined):
		return "GATEWAY_DECLINED"
	case errors.Is(err, ErrGatewayUnavailable):
		return "GATEWAY_UNAVAILABLE"
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrPendingSettlement):
		return "ESCROW_CONFLICT"
	case errors.Is(err, ErrConsistency):
		return "ESCROW_CONSISTENCY"
	default:
		return "ESCROW_INTERNAL"
	}
}

// Fatal reports whether the error indicates ledger corruption rather than a
// rejected request. Fatal errors should page an operator.
func Fatal(err error) bool {
	return errors.Is(err, ErrConsistency) || errors.Is(err, ErrFrozenUnderflow)
}
