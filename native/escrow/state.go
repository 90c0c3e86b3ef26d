package escrow

import (
	"context"
	"time"
)

// State is the narrow persistence surface the engine mutates. Implementations
// must return clones so engine-side mutation never aliases stored rows.
type State interface {
	AccountGet(ctx context.Context, contractID string) (*Account, bool, error)
	AccountPut(ctx context.Context, account *Account) error

	TransactionPut(ctx context.Context, tx *Transaction) error
	TransactionGet(ctx context.Context, id string) (*Transaction, bool, error)
	TransactionByIdempotencyKey(ctx context.Context, contractID, key string) (*Transaction, bool, error)
	TransactionByProviderRef(ctx context.Context, providerRef string) (*Transaction, bool, error)
	TransactionsByContract(ctx context.Context, contractID string, limit int) ([]*Transaction, error)
	// LatestCapture returns the most recent COMPLETED FUND transaction for the
	// contract (scoped to the milestone when milestoneID is non-empty), used
	// to locate the provider reference a refund is issued against.
	LatestCapture(ctx context.Context, contractID, milestoneID string) (*Transaction, bool, error)

	DisputeGet(ctx context.Context, id string) (*Dispute, bool, error)
	DisputePut(ctx context.Context, dispute *Dispute) error
	OpenDisputeByContract(ctx context.Context, contractID string) (*Dispute, bool, error)

	MilestoneGet(ctx context.Context, id string) (*Milestone, bool, error)
	MilestonePut(ctx context.Context, milestone *Milestone) error
	MilestonesByContract(ctx context.Context, contractID string) ([]*Milestone, error)
}

// Store is the durable backend for the ledger. Atomically runs fn against a
// transactional State: either every write inside fn commits or none of them
// do. Reads outside Atomically go through the embedded State directly and are
// not serialized against writers.
type Store interface {
	State
	Atomically(ctx context.Context, fn func(State) error) error
	// StatsByContract aggregates completed transaction counts and totals.
	StatsByContract(ctx context.Context, contractID string) (*Stats, error)
	// NonTerminalBefore lists transactions that have not reached a terminal
	// status and were created before the cutoff, oldest first. The
	// reconciliation sweep feeds on it.
	NonTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error)
	// NonTerminalByContract returns the contract's in-flight transaction, if
	// any. The ledger keeps at most one per account.
	NonTerminalByContract(ctx context.Context, contractID string) (*Transaction, bool, error)
}
