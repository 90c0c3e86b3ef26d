package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"skillancer/native/fees"
)

const defaultRecentTransactions = 20

// Engine executes ledger operations against a Store. Money movement goes
// through the PaymentGateway outside of any database transaction; ledger
// effects commit atomically afterwards. All mutating operations on the same
// contract are serialized by the account guard.
type Engine struct {
	store     Store
	gateway   PaymentGateway
	contracts ContractSource
	guard     *AccountGuard
	emitter   Emitter
	nowFn     func() time.Time
	newID     func() string
	recent    int
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter wires an event emitter. The default drops events.
func WithEmitter(emitter Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// WithIDGenerator overrides transaction and dispute ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// NewEngine constructs an engine over the given store, payment gateway and
// contract source.
func NewEngine(store Store, gateway PaymentGateway, contracts ContractSource, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		gateway:   gateway,
		contracts: contracts,
		guard:     NewAccountGuard(),
		emitter:   NoopEmitter{},
		nowFn:     func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		recent:    defaultRecentTransactions,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) emit(evt Event) { e.emitter.Emit(evt) }

// FundInput describes a client payment into escrow.
type FundInput struct {
	ContractID      string
	MilestoneID     string
	Amount          decimal.Decimal
	PaymentMethodID string
	IdempotencyKey  string
	InitiatedBy     string
}

// ReleaseInput describes a payout of escrowed funds to the freelancer.
type ReleaseInput struct {
	ContractID     string
	MilestoneID    string
	Amount         decimal.Decimal
	IdempotencyKey string
	InitiatedBy    string
}

// RefundInput describes a return of escrowed funds to the client.
type RefundInput struct {
	ContractID     string
	MilestoneID    string
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
	InitiatedBy    string
}

// FreezeInput pins part of the balance under a dispute claim. Amount is the
// claim's absolute size, not a delta; repeating a freeze for the same dispute
// adjusts the claim rather than stacking it.
type FreezeInput struct {
	ContractID string
	DisputeID  string
	Amount     decimal.Decimal
}

// UnfreezeInput lowers a dispute claim by Amount.
type UnfreezeInput struct {
	ContractID string
	DisputeID  string
	Amount     decimal.Decimal
}

// Fund charges the client through the payment gateway and, on success, adds
// the gross amount to the contract's escrow balance. The account is created
// on first funding. Replaying an idempotency key returns the recorded
// transaction without touching the gateway again.
func (e *Engine) Fund(ctx context.Context, input FundInput) (*Transaction, error) {
	if err := validateOpInput(input.ContractID, input.IdempotencyKey, input.Amount); err != nil {
		return nil, err
	}
	if input.PaymentMethodID == "" {
		return nil, fmt.Errorf("%w: payment method required", ErrInvalidInput)
	}

	var out *Transaction
	err := e.guard.Do(input.ContractID, func() error {
		if replay, done, err := e.replayed(ctx, input.ContractID, input.IdempotencyKey, input.Amount, true, input.MilestoneID, TxFund); done || err != nil {
			out = replay
			return err
		}
		if err := e.blockOnPending(ctx, input.ContractID); err != nil {
			return err
		}

		info, err := e.contracts.Contract(ctx, input.ContractID)
		if err != nil {
			return fmt.Errorf("resolve contract %s: %w", input.ContractID, err)
		}
		currency, err := NormalizeCurrency(info.Currency)
		if err != nil {
			return err
		}

		// The account row is only written once the capture lands, so a
		// declined first fund leaves nothing behind.
		account, found, err := e.store.AccountGet(ctx, input.ContractID)
		if err != nil {
			return err
		}
		if found && account.Status == AccountClosed {
			return fmt.Errorf("%w: contract %s", ErrAccountClosed, input.ContractID)
		}

		calc, err := fees.Compute(fees.Input{
			Gross:              input.Amount,
			PlatformFeePercent: info.PlatformFeePercent,
			SecureMode:         info.SecureMode,
			SecureModePercent:  info.SecureModeFeePercent,
			ProcessingPercent:  info.ProcessingFeePercent,
		})
		if err != nil {
			return err
		}

		tx := &Transaction{
			ID:               e.newID(),
			ContractID:       input.ContractID,
			MilestoneID:      input.MilestoneID,
			Type:             TxFund,
			Status:           TxPending,
			Currency:         currency,
			GrossAmount:      calc.Gross,
			PlatformFee:      calc.PlatformFee,
			SecureModeAmount: calc.SecureModeAmount,
			ProcessingFee:    calc.ProcessingFee,
			NetAmount:        calc.NetAmount,
			IdempotencyKey:   input.IdempotencyKey,
			InitiatedBy:      input.InitiatedBy,
			CreatedAt:        e.now(),
		}
		if err := e.store.TransactionPut(ctx, tx); err != nil {
			return err
		}
		tx.Status = TxProcessing
		if err := e.store.TransactionPut(ctx, tx); err != nil {
			return err
		}

		result, gwErr := e.gateway.Capture(ctx, calc.TotalCharge, currency, input.PaymentMethodID, map[string]string{
			"contractId":    input.ContractID,
			"transactionId": tx.ID,
		})
		out, err = e.settleGatewayOutcome(ctx, tx, result, gwErr, EventTypeAccountFunded)
		return err
	})
	return out, err
}

// QuoteFees computes the fee breakdown a fund of the given amount would
// produce, without charging anything.
func (e *Engine) QuoteFees(ctx context.Context, contractID string, amount decimal.Decimal) (*fees.Calculation, error) {
	if contractID == "" {
		return nil, fmt.Errorf("%w: contract id required", ErrInvalidInput)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s", ErrAmountNotPositive, amount)
	}
	info, err := e.contracts.Contract(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("resolve contract %s: %w", contractID, err)
	}
	calc, err := fees.Compute(fees.Input{
		Gross:              amount,
		PlatformFeePercent: info.PlatformFeePercent,
		SecureMode:         info.SecureMode,
		SecureModePercent:  info.SecureModeFeePercent,
		ProcessingPercent:  info.ProcessingFeePercent,
	})
	if err != nil {
		return nil, err
	}
	return &calc, nil
}

// Release pays the freelancer through the payment gateway and, on success,
// advances the contract's released total by the gross amount. Platform and
// secure-mode fees are deducted from the transfer, so the freelancer receives
// the net amount. A zero amount releases the full available balance.
func (e *Engine) Release(ctx context.Context, input ReleaseInput) (*Transaction, error) {
	if err := validateOpTarget(input.ContractID, input.IdempotencyKey); err != nil {
		return nil, err
	}
	if input.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: got %s", ErrAmountNotPositive, input.Amount)
	}

	var out *Transaction
	err := e.guard.Do(input.ContractID, func() error {
		if replay, done, err := e.replayed(ctx, input.ContractID, input.IdempotencyKey, input.Amount, input.Amount.IsPositive(), input.MilestoneID, TxRelease, TxPartialRelease); done || err != nil {
			out = replay
			return err
		}
		if err := e.blockOnPending(ctx, input.ContractID); err != nil {
			return err
		}

		account, err := e.activeAccount(ctx, input.ContractID)
		if err != nil {
			return err
		}
		amount := input.Amount
		if amount.IsZero() {
			// Omitted amount releases everything not held by a freeze claim.
			amount = account.AvailableBalance()
		}
		if !amount.IsPositive() {
			return fmt.Errorf("%w: got %s", ErrAmountNotPositive, amount)
		}
		if amount.GreaterThan(account.AvailableBalance()) {
			return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientAvailable, amount, account.AvailableBalance())
		}

		info, err := e.contracts.Contract(ctx, input.ContractID)
		if err != nil {
			return fmt.Errorf("resolve contract %s: %w", input.ContractID, err)
		}
		calc, err := fees.Compute(fees.Input{
			Gross:              amount,
			PlatformFeePercent: info.PlatformFeePercent,
			SecureMode:         info.SecureMode,
			SecureModePercent:  info.SecureModeFeePercent,
		})
		if err != nil {
			return err
		}

		txType := TxPartialRelease
		if amount.Equal(account.CurrentBalance()) {
			txType = TxRelease
		}
		tx := &Transaction{
			ID:               e.newID(),
			ContractID:       input.ContractID,
			MilestoneID:      input.MilestoneID,
			Type:             txType,
			Status:           TxPending,
			Currency:         account.Currency,
			GrossAmount:      calc.Gross,
			PlatformFee:      calc.PlatformFee,
			SecureModeAmount: calc.SecureModeAmount,
			ProcessingFee:    decimal.Zero,
			NetAmount:        calc.NetAmount,
			IdempotencyKey:   input.IdempotencyKey,
			InitiatedBy:      input.InitiatedBy,
			CreatedAt:        e.now(),
		}
		if err := e.store.TransactionPut(ctx, tx); err != nil {
			return err
		}
		tx.Status = TxProcessing
		if err := e.store.TransactionPut(ctx, tx); err != nil {
			return err
		}

		result, gwErr := e.gateway.Transfer(ctx, calc.NetAmount, account.Currency, info.FreelancerAccountID, map[string]string{
			"contractId":    input.ContractID,
			"transactionId": tx.ID,
		})
		out, err = e.settleGatewayOutcome(ctx, tx, result, gwErr, EventTypeAccountReleased)
		return err
	})
	return out, err
}

// Refund returns escrowed funds to the client by refunding the most recent
// completed capture. Refunds carry no fees; the client receives the full
// amount. A zero amount refunds the full available balance.
func (e *Engine) Refund(ctx context.Context, input RefundInput) (*Transaction, error) {
	if err := validateOpTarget(input.ContractID, input.IdempotencyKey); err != nil {
		return nil, err
	}
	if input.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: got %s", ErrAmountNotPositive, input.Amount)
	}

	var out *Transaction
	err := e.guard.Do(input.ContractID, func() error {
		if replay, done, err := e.replayed(ctx, input.ContractID, input.IdempotencyKey, input.Amount, input.Amount.IsPositive(), input.MilestoneID, TxRefund, TxPartialRefund); done || err != nil {
			out = replay
			return err
		}
		if err := e.blockOnPending(ctx, input.ContractID); err != nil {
			return err
		}

		account, err := e.activeAccount(ctx, input.ContractID)
		if err != nil {
			return err
		}
		amount := input.Amount
		if amount.IsZero() {
			amount = account.AvailableBalance()
		}
		if !amount.IsPositive() {
			return fmt.Errorf("%w: got %s", ErrAmountNotPositive, amount)
		}
		if amount.GreaterThan(account.AvailableBalance()) {
			return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientAvailable, amount, account.AvailableBalance())
		}

		capture, found, err := e.store.LatestCapture(ctx, input.ContractID, input.MilestoneID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: no completed capture to refund on contract %s", ErrTransactionNotFound, input.ContractID)
		}

		txType := TxPartialRefund
		if amount.Equal(account.CurrentBalance()) {
			txType = TxRefund
		}
		tx := &Transaction{
			ID:               e.newID(),
			ContractID:       input.ContractID,
			MilestoneID:      input.MilestoneID,
			Type:             txType,
			Status:           TxPending,
			Currency:         account.Currency,
			GrossAmount:      amount,
			PlatformFee:      decimal.Zero,
			SecureModeAmount: decimal.Zero,
			ProcessingFee:    decimal.Zero,
			NetAmount:        amount,
			IdempotencyKey:   input.IdempotencyKey,
			FailureReason:    "",
			InitiatedBy:      input.InitiatedBy,
			CreatedAt:        e.now(),
		}
		if err := e.store.TransactionPut(ctx, tx); err != nil {
			return err
		}
		tx.Status = TxProcessing
		if err := e.store.TransactionPut(ctx, tx); err != nil {
			return err
		}

		result, gwErr := e.gateway.RefundCapture(ctx, capture.ProviderRef, amount)
		out, err = e.settleGatewayOutcome(ctx, tx, result, gwErr, EventTypeAccountRefunded)
		return err
	})
	return out, err
}

// Freeze pins part of the contract balance under the dispute's claim; a zero
// amount claims the whole balance. The claim size is absolute: freezing the
// same dispute again replaces the previous claim instead of adding to it. No
// transaction record is written; freezes move no money.
func (e *Engine) Freeze(ctx context.Context, input FreezeInput) (*Account, error) {
	if input.ContractID == "" || input.DisputeID == "" {
		return nil, fmt.Errorf("%w: contract id and dispute id required", ErrInvalidInput)
	}
	if input.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: freeze amount must not be negative", ErrInvalidInput)
	}

	var out *Account
	err := e.guard.Do(input.ContractID, func() error {
		return e.store.Atomically(ctx, func(s State) error {
			account, err := loadActiveAccount(ctx, s, input.ContractID)
			if err != nil {
				return err
			}
			dispute, found, err := s.DisputeGet(ctx, input.DisputeID)
			if err != nil {
				return err
			}
			if !found || dispute.ContractID != input.ContractID {
				return fmt.Errorf("%w: %s", ErrDisputeNotFound, input.DisputeID)
			}
			if dispute.Status.Terminal() {
				return fmt.Errorf("%w: %s", ErrDisputeClosed, input.DisputeID)
			}

			amount := input.Amount
			if amount.IsZero() {
				// Omitted amount claims everything the dispute does not
				// already hold.
				amount = dispute.DisputedAmount.Add(account.AvailableBalance())
			}
			newFrozen := account.FrozenAmount.Sub(dispute.DisputedAmount).Add(amount)
			if newFrozen.GreaterThan(account.CurrentBalance()) {
				return fmt.Errorf("%w: claim %s, balance %s", ErrFreezeExceedsBalance, newFrozen, account.CurrentBalance())
			}
			account.FrozenAmount = newFrozen
			dispute.DisputedAmount = amount
			dispute.UpdatedAt = e.now()
			e.syncFrozenStatus(account)
			if err := account.CheckInvariants(); err != nil {
				return err
			}
			if err := s.AccountPut(ctx, account); err != nil {
				return err
			}
			if err := s.DisputePut(ctx, dispute); err != nil {
				return err
			}
			out = account.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.emit(newTransactionEvent(EventTypeAccountFrozen, nil, out))
	return out, nil
}

// Unfreeze lowers the dispute's claim by input.Amount. Lowering below zero is
// a fatal underflow.
func (e *Engine) Unfreeze(ctx context.Context, input UnfreezeInput) (*Account, error) {
	if input.ContractID == "" || input.DisputeID == "" {
		return nil, fmt.Errorf("%w: contract id and dispute id required", ErrInvalidInput)
	}
	if !input.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: unfreeze amount", ErrAmountNotPositive)
	}

	var out *Account
	err := e.guard.Do(input.ContractID, func() error {
		return e.store.Atomically(ctx, func(s State) error {
			account, err := loadActiveAccount(ctx, s, input.ContractID)
			if err != nil {
				return err
			}
			dispute, found, err := s.DisputeGet(ctx, input.DisputeID)
			if err != nil {
				return err
			}
			if !found || dispute.ContractID != input.ContractID {
				return fmt.Errorf("%w: %s", ErrDisputeNotFound, input.DisputeID)
			}
			if err := unfreezeClaim(account, dispute, input.Amount, e.now()); err != nil {
				return err
			}
			if err := s.AccountPut(ctx, account); err != nil {
				return err
			}
			if err := s.DisputePut(ctx, dispute); err != nil {
				return err
			}
			out = account.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.emit(newTransactionEvent(EventTypeAccountUnfrozen, nil, out))
	return out, nil
}

// Close marks a fully drained account as closed. Both the balance and any
// frozen claim must be zero.
func (e *Engine) Close(ctx context.Context, contractID string) (*Account, error) {
	if contractID == "" {
		return nil, fmt.Errorf("%w: contract id required", ErrInvalidInput)
	}
	var out *Account
	err := e.guard.Do(contractID, func() error {
		return e.store.Atomically(ctx, func(s State) error {
			account, found, err := s.AccountGet(ctx, contractID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: contract %s", ErrAccountNotFound, contractID)
			}
			if account.Status == AccountClosed {
				out = account.Clone()
				return nil
			}
			if !account.CurrentBalance().IsZero() || !account.FrozenAmount.IsZero() {
				return fmt.Errorf("%w: balance %s, frozen %s", ErrBalanceNotZero, account.CurrentBalance(), account.FrozenAmount)
			}
			account.Status = AccountClosed
			account.UpdatedAt = e.now()
			if err := s.AccountPut(ctx, account); err != nil {
				return err
			}
			out = account.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.emit(newTransactionEvent(EventTypeAccountClosed, nil, out))
	return out, nil
}

// Summary assembles the read-only projection of one contract's escrow state.
// It is served without holding the account guard and may lag a concurrent
// mutation.
func (e *Engine) Summary(ctx context.Context, contractID string) (*Summary, error) {
	if contractID == "" {
		return nil, fmt.Errorf("%w: contract id required", ErrInvalidInput)
	}
	account, found, err := e.store.AccountGet(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: contract %s", ErrAccountNotFound, contractID)
	}
	milestones, err := e.store.MilestonesByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	dispute, _, err := e.store.OpenDisputeByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	recent, err := e.store.TransactionsByContract(ctx, contractID, e.recent)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Account:            account,
		CurrentBalance:     account.CurrentBalance(),
		AvailableBalance:   account.AvailableBalance(),
		Milestones:         milestones,
		OpenDispute:        dispute,
		RecentTransactions: recent,
	}, nil
}

// Stats aggregates completed transaction counts and totals for a contract.
func (e *Engine) Stats(ctx context.Context, contractID string) (*Stats, error) {
	if contractID == "" {
		return nil, fmt.Errorf("%w: contract id required", ErrInvalidInput)
	}
	return e.store.StatsByContract(ctx, contractID)
}

// Transactions lists a contract's transaction history, newest first.
func (e *Engine) Transactions(ctx context.Context, contractID string, limit int) ([]*Transaction, error) {
	if contractID == "" {
		return nil, fmt.Errorf("%w: contract id required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = e.recent
	}
	return e.store.TransactionsByContract(ctx, contractID, limit)
}

// CompleteCapture settles a transaction whose provider outcome arrived
// asynchronously, by webhook or by the reconciliation sweep. Settling an
// already terminal transaction is a no-op.
func (e *Engine) CompleteCapture(ctx context.Context, providerRef string, status ProviderStatus, reason string) (*Transaction, error) {
	if providerRef == "" {
		return nil, fmt.Errorf("%w: provider reference required", ErrInvalidInput)
	}
	probe, found, err := e.store.TransactionByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: provider reference %s", ErrTransactionNotFound, providerRef)
	}

	var out *Transaction
	var outAccount *Account
	err = e.guard.Do(probe.ContractID, func() error {
		return e.store.Atomically(ctx, func(s State) error {
			tx, found, err := s.TransactionByProviderRef(ctx, providerRef)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: provider reference %s", ErrTransactionNotFound, providerRef)
			}
			if tx.Status.Terminal() {
				out = tx.Clone()
				return nil
			}
			switch status {
			case ProviderSucceeded:
				account, err := e.applyCompletedEffect(ctx, s, tx)
				if err != nil {
					return err
				}
				outAccount = account
			case ProviderDeclined:
				now := e.now()
				tx.Status = TxFailed
				tx.FailureReason = reason
				tx.ProcessedAt = &now
				if err := s.TransactionPut(ctx, tx); err != nil {
					return err
				}
			case ProviderPending:
				// Still in flight; leave the record for the next sweep.
			default:
				return fmt.Errorf("%w: provider status %q", ErrInvalidInput, status)
			}
			out = tx.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out != nil && out.Status == TxCompleted && outAccount != nil {
		e.emit(newTransactionEvent(eventForType(out.Type), out, outAccount))
	}
	if out != nil && out.Status == TxFailed {
		e.emit(newTransactionEvent(EventTypeCaptureFailed, out, nil))
	}
	return out, nil
}

// settleGatewayOutcome records the result of a synchronous gateway call. A
// confirmed outcome commits the ledger effect; a decline fails the
// transaction; anything inconclusive parks it in REQUIRES_CAPTURE for the
// webhook or reconciliation sweep to settle.
func (e *Engine) settleGatewayOutcome(ctx context.Context, tx *Transaction, result GatewayResult, gwErr error, eventType string) (*Transaction, error) {
	now := e.now()
	tx.ProviderRef = result.ProviderRef

	if gwErr != nil {
		tx.Status = TxRequiresCapture
		if err := e.store.TransactionPut(ctx, tx); err != nil {
			return nil, err
		}
		e.emit(newTransactionEvent(EventTypeCapturePending, tx, nil))
		return tx.Clone(), fmt.Errorf("%w: %v", ErrGatewayUnavailable, gwErr)
	}

	switch result.Status {
	case ProviderSucceeded:
		var account *Account
		err := e.store.Atomically(ctx, func(s State) error {
			fresh, found, err := s.TransactionGet(ctx, tx.ID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", ErrTransactionNotFound, tx.ID)
			}
			fresh.ProviderRef = result.ProviderRef
			account, err = e.applyCompletedEffect(ctx, s, fresh)
			if err != nil {
				return err
			}
			*tx = *fresh
			return nil
		})
		if err != nil {
			return nil, err
		}
		e.emit(newTransactionEvent(eventType, tx, account))
		return tx.Clone(), nil
	case ProviderDeclined:
		tx.Status = TxFailed
		tx.FailureReason = result.Reason
		tx.ProcessedAt = &now
		if err := e.store.TransactionPut(ctx, tx); err != nil {
			return nil, err
		}
		e.emit(newTransactionEvent(EventTypeCaptureFailed, tx, nil))
		return tx.Clone(), fmt.Errorf("%w: %s", ErrGatewayDeclined, result.Reason)
	default:
		tx.Status = TxRequiresCapture
		if err := e.store.TransactionPut(ctx, tx); err != nil {
			return nil, err
		}
		e.emit(newTransactionEvent(EventTypeCapturePending, tx, nil))
		return tx.Clone(), nil
	}
}

// applyCompletedEffect advances the running totals for a confirmed
// transaction and marks it completed. Invariants are re-checked on the fresh
// account inside the same transaction that commits the effect.
func (e *Engine) applyCompletedEffect(ctx context.Context, s State, tx *Transaction) (*Account, error) {
	account, found, err := s.AccountGet(ctx, tx.ContractID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if !found {
		if tx.Type != TxFund {
			return nil, fmt.Errorf("%w: contract %s", ErrAccountNotFound, tx.ContractID)
		}
		// First successful fund creates the account.
		account = &Account{
			ContractID:    tx.ContractID,
			Currency:      tx.Currency,
			TotalFunded:   decimal.Zero,
			TotalReleased: decimal.Zero,
			TotalRefunded: decimal.Zero,
			FrozenAmount:  decimal.Zero,
			Status:        AccountActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}

	switch tx.Type {
	case TxFund:
		account.TotalFunded = account.TotalFunded.Add(tx.GrossAmount)
		if tx.MilestoneID != "" {
			if err := e.markMilestoneFunded(ctx, s, tx, now); err != nil {
				return nil, err
			}
		}
	case TxRelease, TxPartialRelease, TxFeeDeduction:
		if tx.GrossAmount.GreaterThan(account.AvailableBalance()) && tx.DisputeID == "" {
			return nil, fmt.Errorf("%w: release %s, available %s", ErrInsufficientAvailable, tx.GrossAmount, account.AvailableBalance())
		}
		account.TotalReleased = account.TotalReleased.Add(tx.GrossAmount)
		if tx.MilestoneID != "" && tx.Type != TxFeeDeduction {
			if err := e.markMilestoneReleased(ctx, s, tx, now); err != nil {
				return nil, err
			}
		}
	case TxRefund, TxPartialRefund:
		if tx.GrossAmount.GreaterThan(account.AvailableBalance()) && tx.DisputeID == "" {
			return nil, fmt.Errorf("%w: refund %s, available %s", ErrInsufficientAvailable, tx.GrossAmount, account.AvailableBalance())
		}
		account.TotalRefunded = account.TotalRefunded.Add(tx.GrossAmount)
	default:
		return nil, fmt.Errorf("%w: transaction type %q", ErrInvalidInput, tx.Type)
	}

	account.UpdatedAt = now
	if err := account.CheckInvariants(); err != nil {
		return nil, err
	}
	if err := s.AccountPut(ctx, account); err != nil {
		return nil, err
	}

	tx.Status = TxCompleted
	tx.ProcessedAt = &now
	if err := s.TransactionPut(ctx, tx); err != nil {
		return nil, err
	}
	return account.Clone(), nil
}

func (e *Engine) markMilestoneFunded(ctx context.Context, s State, tx *Transaction, now time.Time) error {
	milestone, found, err := s.MilestoneGet(ctx, tx.MilestoneID)
	if err != nil {
		return err
	}
	if !found {
		milestone = &Milestone{ID: tx.MilestoneID, ContractID: tx.ContractID, Amount: tx.GrossAmount}
	}
	milestone.EscrowFunded = true
	milestone.EscrowFundedAt = &now
	return s.MilestonePut(ctx, milestone)
}

func (e *Engine) markMilestoneReleased(ctx context.Context, s State, tx *Transaction, now time.Time) error {
	milestone, found, err := s.MilestoneGet(ctx, tx.MilestoneID)
	if err != nil {
		return err
	}
	if !found {
		milestone = &Milestone{ID: tx.MilestoneID, ContractID: tx.ContractID, Amount: tx.GrossAmount, EscrowFunded: true}
	}
	milestone.EscrowReleasedAt = &now
	return s.MilestonePut(ctx, milestone)
}

// replayed implements idempotent replay: a prior transaction under the same
// key is returned verbatim when the parameters match, and rejected when they
// do not. The gateway is never invoked again for a replayed key. matchAmount
// is false when the caller omitted the amount, since the defaulted balance
// may have changed between the original call and the retry.
func (e *Engine) replayed(ctx context.Context, contractID, key string, amount decimal.Decimal, matchAmount bool, milestoneID string, types ...TransactionType) (*Transaction, bool, error) {
	prior, found, err := e.store.TransactionByIdempotencyKey(ctx, contractID, key)
	if err != nil {
		return nil, true, err
	}
	if !found {
		return nil, false, nil
	}
	matched := false
	for _, t := range types {
		if prior.Type == t {
			matched = true
			break
		}
	}
	if !matched || prior.MilestoneID != milestoneID || (matchAmount && !prior.GrossAmount.Equal(amount)) {
		return nil, true, fmt.Errorf("%w: key %s", ErrIdempotencyMismatch, key)
	}
	return prior.Clone(), true, nil
}

// blockOnPending rejects new money movement while the contract has an
// in-flight transaction. A parked capture has not touched the balance yet,
// so letting another operation spend against it would double-commit the
// funds once the provider's terminal answer arrives.
func (e *Engine) blockOnPending(ctx context.Context, contractID string) error {
	pending, found, err := e.store.NonTerminalByContract(ctx, contractID)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: transaction %s is %s", ErrPendingSettlement, pending.ID, pending.Status)
	}
	return nil
}

func (e *Engine) activeAccount(ctx context.Context, contractID string) (*Account, error) {
	return loadActiveAccount(ctx, e.store, contractID)
}

// syncFrozenStatus keeps the account status aligned with its frozen amount.
func (e *Engine) syncFrozenStatus(account *Account) {
	if account.Status == AccountClosed {
		return
	}
	if account.FrozenAmount.IsPositive() {
		account.Status = AccountFrozen
	} else {
		account.Status = AccountActive
	}
	account.UpdatedAt = e.now()
}

func loadActiveAccount(ctx context.Context, s State, contractID string) (*Account, error) {
	account, found, err := s.AccountGet(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: contract %s", ErrAccountNotFound, contractID)
	}
	if account.Status == AccountClosed {
		return nil, fmt.Errorf("%w: contract %s", ErrAccountClosed, contractID)
	}
	return account, nil
}

// unfreezeClaim lowers both the dispute claim and the account's frozen total
// by amount, restoring ACTIVE status when nothing remains frozen.
func unfreezeClaim(account *Account, dispute *Dispute, amount decimal.Decimal, now time.Time) error {
	if amount.GreaterThan(dispute.DisputedAmount) || amount.GreaterThan(account.FrozenAmount) {
		return fmt.Errorf("%w: unfreeze %s, claim %s, frozen %s", ErrFrozenUnderflow, amount, dispute.DisputedAmount, account.FrozenAmount)
	}
	dispute.DisputedAmount = dispute.DisputedAmount.Sub(amount)
	dispute.UpdatedAt = now
	account.FrozenAmount = account.FrozenAmount.Sub(amount)
	if account.Status != AccountClosed {
		if account.FrozenAmount.IsPositive() {
			account.Status = AccountFrozen
		} else {
			account.Status = AccountActive
		}
	}
	account.UpdatedAt = now
	return account.CheckInvariants()
}

func eventForType(t TransactionType) string {
	switch t {
	case TxFund:
		return EventTypeAccountFunded
	case TxRelease, TxPartialRelease, TxFeeDeduction:
		return EventTypeAccountReleased
	case TxRefund, TxPartialRefund:
		return EventTypeAccountRefunded
	default:
		return EventTypeDisputeUpdated
	}
}

func validateOpInput(contractID, idempotencyKey string, amount decimal.Decimal) error {
	if err := validateOpTarget(contractID, idempotencyKey); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrAmountNotPositive, amount)
	}
	return nil
}

func validateOpTarget(contractID, idempotencyKey string) error {
	if contractID == "" {
		return fmt.Errorf("%w: contract id required", ErrInvalidInput)
	}
	if idempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key required", ErrInvalidInput)
	}
	return nil
}
