package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus represents the lifecycle of an escrow account.
type AccountStatus string

const (
	// AccountActive accepts the full set of ledger operations.
	AccountActive AccountStatus = "ACTIVE"
	// AccountFrozen indicates a dispute currently holds part of the balance.
	AccountFrozen AccountStatus = "FROZEN"
	// AccountClosed marks a drained account on a completed contract. Closed
	// accounts reject every mutating operation.
	AccountClosed AccountStatus = "CLOSED"
)

// Valid reports whether the status value is within the supported range.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountActive, AccountFrozen, AccountClosed:
		return true
	default:
		return false
	}
}

// Account is the aggregate holding one contract's in-flight funds. The
// running totals are monotonically non-decreasing; reversals are always new
// transactions, never subtractions. The Version column backs optimistic
// concurrency in the durable store.
type Account struct {
	ContractID    string
	Currency      string
	TotalFunded   decimal.Decimal
	TotalReleased decimal.Decimal
	TotalRefunded decimal.Decimal
	FrozenAmount  decimal.Decimal
	Status        AccountStatus
	Version       uint64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CurrentBalance derives the funds still held in escrow.
func (a *Account) CurrentBalance() decimal.Decimal {
	return a.TotalFunded.Sub(a.TotalReleased).Sub(a.TotalRefunded)
}

// AvailableBalance derives the portion of the balance not held by a freeze
// claim.
func (a *Account) AvailableBalance() decimal.Decimal {
	return a.CurrentBalance().Sub(a.FrozenAmount)
}

// CheckInvariants verifies the balance identities that must hold after every
// operation. A violation is a ledger bug, so the returned error wraps
// ErrConsistency and aborts the surrounding commit.
func (a *Account) CheckInvariants() error {
	if a == nil {
		return fmt.Errorf("%w: nil account", ErrConsistency)
	}
	if a.TotalFunded.IsNegative() || a.TotalReleased.IsNegative() || a.TotalRefunded.IsNegative() {
		return fmt.Errorf("%w: negative running total on contract %s", ErrConsistency, a.ContractID)
	}
	if a.CurrentBalance().IsNegative() {
		return fmt.Errorf("%w: negative balance %s on contract %s", ErrConsistency, a.CurrentBalance(), a.ContractID)
	}
	if a.FrozenAmount.IsNegative() || a.FrozenAmount.GreaterThan(a.CurrentBalance()) {
		return fmt.Errorf("%w: frozen %s outside [0, %s] on contract %s", ErrConsistency, a.FrozenAmount, a.CurrentBalance(), a.ContractID)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: invalid account status %q", ErrConsistency, a.Status)
	}
	return nil
}

// Clone returns a copy so callers can mutate freely without touching stored
// state. decimal.Decimal values are immutable, so a shallow copy suffices.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// TransactionType classifies ledger movements.
type TransactionType string

const (
	TxFund           TransactionType = "FUND"
	TxRelease        TransactionType = "RELEASE"
	TxRefund         TransactionType = "REFUND"
	TxPartialRelease TransactionType = "PARTIAL_RELEASE"
	TxPartialRefund  TransactionType = "PARTIAL_REFUND"
	TxFeeDeduction   TransactionType = "FEE_DEDUCTION"
)

// TransactionStatus tracks a transaction from creation to its terminal state.
type TransactionStatus string

const (
	TxPending         TransactionStatus = "PENDING"
	TxProcessing      TransactionStatus = "PROCESSING"
	TxRequiresCapture TransactionStatus = "REQUIRES_CAPTURE"
	TxCompleted       TransactionStatus = "COMPLETED"
	TxFailed          TransactionStatus = "FAILED"
	TxCancelled       TransactionStatus = "CANCELLED"
)

// Terminal reports whether the status is immutable.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TxCompleted, TxFailed, TxCancelled:
		return true
	default:
		return false
	}
}

// Transaction is the append-only record of one mutating ledger operation.
// Terminal records are never updated; non-terminal records only ever advance
// their status.
type Transaction struct {
	ID               string
	ContractID       string
	MilestoneID      string
	DisputeID        string
	Type             TransactionType
	Status           TransactionStatus
	Currency         string
	GrossAmount      decimal.Decimal
	PlatformFee      decimal.Decimal
	SecureModeAmount decimal.Decimal
	ProcessingFee    decimal.Decimal
	NetAmount        decimal.Decimal
	IdempotencyKey   string
	ProviderRef      string
	FailureReason    string
	InitiatedBy      string
	CreatedAt        time.Time
	ProcessedAt      *time.Time
}

// Clone returns a deep copy of the transaction.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	if t.ProcessedAt != nil {
		at := *t.ProcessedAt
		clone.ProcessedAt = &at
	}
	return &clone
}

// Milestone mirrors the escrow-relevant slice of a contract milestone. The
// contract service owns the milestone; the ledger only flips the funding
// flags as a side effect of FUND and RELEASE transactions targeting it.
type Milestone struct {
	ID               string
	ContractID       string
	Amount           decimal.Decimal
	EscrowFunded     bool
	EscrowFundedAt   *time.Time
	EscrowReleasedAt *time.Time
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.EscrowFundedAt != nil {
		at := *m.EscrowFundedAt
		clone.EscrowFundedAt = &at
	}
	if m.EscrowReleasedAt != nil {
		at := *m.EscrowReleasedAt
		clone.EscrowReleasedAt = &at
	}
	return &clone
}

// Summary is the read-only projection served to reporting callers. It is not
// serialized against writers and may lag a concurrent mutation.
type Summary struct {
	Account            *Account
	CurrentBalance     decimal.Decimal
	AvailableBalance   decimal.Decimal
	Milestones         []*Milestone
	OpenDispute        *Dispute
	RecentTransactions []*Transaction
}

// Stats aggregates transaction counts and totals per type for a contract.
type Stats struct {
	ContractID string
	Counts     map[TransactionType]int64
	Totals     map[TransactionType]decimal.Decimal
}

// NormalizeCurrency canonicalises a currency code to its uppercase ISO form.
func NormalizeCurrency(code string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if len(trimmed) != 3 {
		return "", fmt.Errorf("%w: unsupported currency %q", ErrInvalidInput, code)
	}
	return trimmed, nil
}
