package escrow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// OpenDisputeInput raises a dispute over part of a contract's escrow balance.
type OpenDisputeInput struct {
	ContractID  string
	MilestoneID string
	Amount      decimal.Decimal
	OpenedBy    string
	Reason      string
}

// ProposeResolutionInput records a settlement proposal from one party.
type ProposeResolutionInput struct {
	DisputeID        string
	Resolution       Resolution
	ClientRefund     decimal.Decimal
	FreelancerPayout decimal.Decimal
	ProposedBy       DisputeParty
}

// ResolveDisputeInput applies a mediator's settlement decision.
type ResolveDisputeInput struct {
	DisputeID        string
	Resolution       Resolution
	ClientRefund     decimal.Decimal
	FreelancerPayout decimal.Decimal
	ResolvedBy       string
	Notes            string
}

// OpenDispute creates a dispute and freezes the claimed amount in the same
// commit. A contract carries at most one open dispute at a time.
func (e *Engine) OpenDispute(ctx context.Context, input OpenDisputeInput) (*Dispute, error) {
	if input.ContractID == "" || input.OpenedBy == "" {
		return nil, fmt.Errorf("%w: contract id and opener required", ErrInvalidInput)
	}
	if !input.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: disputed amount", ErrAmountNotPositive)
	}

	var out *Dispute
	err := e.guard.Do(input.ContractID, func() error {
		return e.store.Atomically(ctx, func(s State) error {
			if _, open, err := s.OpenDisputeByContract(ctx, input.ContractID); err != nil {
				return err
			} else if open {
				return fmt.Errorf("%w: contract %s", ErrDisputeAlreadyOpen, input.ContractID)
			}
			account, err := loadActiveAccount(ctx, s, input.ContractID)
			if err != nil {
				return err
			}
			newFrozen := account.FrozenAmount.Add(input.Amount)
			if newFrozen.GreaterThan(account.CurrentBalance()) {
				return fmt.Errorf("%w: claim %s, balance %s", ErrFreezeExceedsBalance, newFrozen, account.CurrentBalance())
			}

			now := e.now()
			dispute := &Dispute{
				ID:             e.newID(),
				ContractID:     input.ContractID,
				MilestoneID:    input.MilestoneID,
				DisputedAmount: input.Amount,
				Status:         DisputeOpen,
				OpenedBy:       input.OpenedBy,
				Reason:         input.Reason,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := dispute.Sanitize(); err != nil {
				return err
			}
			account.FrozenAmount = newFrozen
			account.Status = AccountFrozen
			account.UpdatedAt = now
			if err := account.CheckInvariants(); err != nil {
				return err
			}
			if err := s.AccountPut(ctx, account); err != nil {
				return err
			}
			if err := s.DisputePut(ctx, dispute); err != nil {
				return err
			}
			out = dispute.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.emit(newDisputeEvent(EventTypeDisputeOpened, out))
	return out, nil
}

// RespondDispute records the counterparty's answer.
func (e *Engine) RespondDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	return e.transitionDispute(ctx, disputeID, DisputeResponded)
}

// StartReview hands the dispute to a mediator.
func (e *Engine) StartReview(ctx context.Context, disputeID string) (*Dispute, error) {
	return e.transitionDispute(ctx, disputeID, DisputeUnderReview)
}

// EscalateDispute moves the case to platform arbitration.
func (e *Engine) EscalateDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	return e.transitionDispute(ctx, disputeID, DisputeEscalated)
}

func (e *Engine) transitionDispute(ctx context.Context, disputeID string, target DisputeStatus) (*Dispute, error) {
	if disputeID == "" {
		return nil, fmt.Errorf("%w: dispute id required", ErrInvalidInput)
	}
	probe, found, err := e.store.DisputeGet(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, disputeID)
	}

	var out *Dispute
	err = e.guard.Do(probe.ContractID, func() error {
		return e.store.Atomically(ctx, func(s State) error {
			dispute, found, err := s.DisputeGet(ctx, disputeID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", ErrDisputeNotFound, disputeID)
			}
			if dispute.Status == target {
				out = dispute.Clone()
				return nil
			}
			if !dispute.canTransition(target) {
				if dispute.Status.Terminal() {
					return fmt.Errorf("%w: %s", ErrDisputeClosed, disputeID)
				}
				return fmt.Errorf("%w: %s to %s", ErrDisputeTransition, dispute.Status, target)
			}
			dispute.Status = target
			dispute.UpdatedAt = e.now()
			if err := s.DisputePut(ctx, dispute); err != nil {
				return err
			}
			out = dispute.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.emit(newDisputeEvent(EventTypeDisputeUpdated, out))
	return out, nil
}

// ProposeResolution records one party's settlement proposal. Proposing
// implies the proposer's acceptance and clears the counterparty's.
func (e *Engine) ProposeResolution(ctx context.Context, input ProposeResolutionInput) (*Dispute, error) {
	if input.DisputeID == "" {
		return nil, fmt.Errorf("%w: dispute id required", ErrInvalidInput)
	}
	if !input.Resolution.Valid() {
		return nil, fmt.Errorf("%w: resolution %q", ErrInvalidInput, input.Resolution)
	}
	if input.ProposedBy != PartyClient && input.ProposedBy != PartyFreelancer {
		return nil, fmt.Errorf("%w: proposer %q", ErrInvalidInput, input.ProposedBy)
	}

	probe, found, err := e.store.DisputeGet(ctx, input.DisputeID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, input.DisputeID)
	}

	var out *Dispute
	err = e.guard.Do(probe.ContractID, func() error {
		return e.store.Atomically(ctx, func(s State) error {
			dispute, found, err := s.DisputeGet(ctx, input.DisputeID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", ErrDisputeNotFound, input.DisputeID)
			}
			if dispute.Status.Terminal() {
				return fmt.Errorf("%w: %s", ErrDisputeClosed, input.DisputeID)
			}
			if _, _, err := deriveSplit(input.Resolution, dispute.DisputedAmount, input.ClientRefund, input.FreelancerPayout); err != nil {
				return err
			}
			dispute.ProposedResolution = input.Resolution
			dispute.ProposedRefund = input.ClientRefund
			dispute.ProposedPayout = input.FreelancerPayout
			dispute.ClientAccepted = input.ProposedBy == PartyClient
			dispute.FreelancerAccepted = input.ProposedBy == PartyFreelancer
			dispute.UpdatedAt = e.now()
			if err := s.DisputePut(ctx, dispute); err != nil {
				return err
			}
			out = dispute.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.emit(newDisputeEvent(EventTypeDisputeUpdated, out))
	return out, nil
}

// AcceptResolution records a party's acceptance of the standing proposal.
// Once both parties have accepted, the proposal settles as a mutual
// agreement without a mediator.
func (e *Engine) AcceptResolution(ctx context.Context, disputeID string, party DisputeParty) (*Dispute, error) {
	if disputeID == "" {
		return nil, fmt.Errorf("%w: dispute id required", ErrInvalidInput)
	}
	if party != PartyClient && party != PartyFreelancer {
		return nil, fmt.Errorf("%w: party %q", ErrInvalidInput, party)
	}

	var settle *ResolveDisputeInput
	var out *Dispute
	probe, found, err := e.store.DisputeGet(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, disputeID)
	}

	err = e.guard.Do(probe.ContractID, func() error {
		return e.store.Atomically(ctx, func(s State) error {
			dispute, found, err := s.DisputeGet(ctx, disputeID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", ErrDisputeNotFound, disputeID)
			}
			if dispute.Status.Terminal() {
				return fmt.Errorf("%w: %s", ErrDisputeClosed, disputeID)
			}
			if dispute.ProposedResolution == "" {
				return fmt.Errorf("%w: dispute %s", ErrNoProposal, disputeID)
			}
			if party == PartyClient {
				dispute.ClientAccepted = true
			} else {
				dispute.FreelancerAccepted = true
			}
			dispute.UpdatedAt = e.now()
			if err := s.DisputePut(ctx, dispute); err != nil {
				return err
			}
			if dispute.ClientAccepted && dispute.FreelancerAccepted {
				settle = &ResolveDisputeInput{
					DisputeID:        disputeID,
					Resolution:       dispute.ProposedResolution,
					ClientRefund:     dispute.ProposedRefund,
					FreelancerPayout: dispute.ProposedPayout,
					ResolvedBy:       "mutual_agreement",
				}
			}
			out = dispute.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if settle != nil {
		return e.ResolveDispute(ctx, *settle)
	}
	e.emit(newDisputeEvent(EventTypeDisputeUpdated, out))
	return out, nil
}

// ResolveDispute settles a dispute. The full claim unfreezes, the derived
// split refunds the client and pays the freelancer, and any rounding residual
// is deducted as a platform fee. Provider calls run first; the ledger commit
// that follows is atomic, so a decline leaves the dispute untouched.
func (e *Engine) ResolveDispute(ctx context.Context, input ResolveDisputeInput) (*Dispute, error) {
	if input.DisputeID == "" {
		return nil, fmt.Errorf("%w: dispute id required", ErrInvalidInput)
	}
	if !input.Resolution.Valid() {
		return nil, fmt.Errorf("%w: resolution %q", ErrInvalidInput, input.Resolution)
	}

	probe, found, err := e.store.DisputeGet(ctx, input.DisputeID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, input.DisputeID)
	}

	var out *Dispute
	err = e.guard.Do(probe.ContractID, func() error {
		dispute, found, err := e.store.DisputeGet(ctx, input.DisputeID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrDisputeNotFound, input.DisputeID)
		}
		if dispute.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrDisputeClosed, input.DisputeID)
		}
		claim := dispute.DisputedAmount
		refund, payout, err := deriveSplit(input.Resolution, claim, input.ClientRefund, input.FreelancerPayout)
		if err != nil {
			return err
		}

		if input.Resolution == ResolutionCancelled {
			out, err = e.closeWithoutSettlement(ctx, dispute.ID, input.ResolvedBy, input.Notes)
			return err
		}
		if err := e.blockOnPending(ctx, dispute.ContractID); err != nil {
			return err
		}

		account, err := e.activeAccount(ctx, dispute.ContractID)
		if err != nil {
			return err
		}
		info, err := e.contracts.Contract(ctx, dispute.ContractID)
		if err != nil {
			return fmt.Errorf("resolve contract %s: %w", dispute.ContractID, err)
		}

		// Move money first. A refund failure aborts before anything settles;
		// a payout failure after a successful refund is reported as a
		// consistency fault because the provider side is now ahead of the
		// ledger and needs operator attention.
		var refundRef, payoutRef string
		if refund.IsPositive() {
			capture, found, err := e.store.LatestCapture(ctx, dispute.ContractID, "")
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: no completed capture to refund on contract %s", ErrTransactionNotFound, dispute.ContractID)
			}
			result, gwErr := e.gateway.RefundCapture(ctx, capture.ProviderRef, refund)
			if gwErr != nil {
				return fmt.Errorf("%w: %v", ErrGatewayUnavailable, gwErr)
			}
			if result.Status != ProviderSucceeded {
				return fmt.Errorf("%w: %s", ErrGatewayDeclined, result.Reason)
			}
			refundRef = result.ProviderRef
		}
		if payout.IsPositive() {
			result, gwErr := e.gateway.Transfer(ctx, payout, account.Currency, info.FreelancerAccountID, map[string]string{
				"contractId": dispute.ContractID,
				"disputeId":  dispute.ID,
			})
			if gwErr != nil || result.Status != ProviderSucceeded {
				if refundRef != "" {
					return fmt.Errorf("%w: dispute %s refunded %s but payout failed, provider refund %s", ErrConsistency, dispute.ID, refund, refundRef)
				}
				if gwErr != nil {
					return fmt.Errorf("%w: %v", ErrGatewayUnavailable, gwErr)
				}
				return fmt.Errorf("%w: %s", ErrGatewayDeclined, result.Reason)
			}
			payoutRef = result.ProviderRef
		}

		return e.store.Atomically(ctx, func(s State) error {
			fresh, found, err := s.DisputeGet(ctx, dispute.ID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", ErrDisputeNotFound, dispute.ID)
			}
			account, err := loadActiveAccount(ctx, s, fresh.ContractID)
			if err != nil {
				return err
			}
			now := e.now()
			if err := unfreezeClaim(account, fresh, claim, now); err != nil {
				return err
			}
			if err := s.AccountPut(ctx, account); err != nil {
				return err
			}

			if refund.IsPositive() {
				tx := e.settlementTransaction(fresh, account.Currency, TxPartialRefund, refund, refundRef, input.ResolvedBy, "refund")
				if err := s.TransactionPut(ctx, tx); err != nil {
					return err
				}
				if _, err := e.applyCompletedEffect(ctx, s, tx); err != nil {
					return err
				}
			}
			if payout.IsPositive() {
				tx := e.settlementTransaction(fresh, account.Currency, TxPartialRelease, payout, payoutRef, input.ResolvedBy, "payout")
				if err := s.TransactionPut(ctx, tx); err != nil {
					return err
				}
				if _, err := e.applyCompletedEffect(ctx, s, tx); err != nil {
					return err
				}
			}
			if residual := claim.Sub(refund).Sub(payout); residual.IsPositive() {
				tx := e.settlementTransaction(fresh, account.Currency, TxFeeDeduction, residual, "", input.ResolvedBy, "residual")
				tx.PlatformFee = residual
				tx.NetAmount = decimal.Zero
				if err := s.TransactionPut(ctx, tx); err != nil {
					return err
				}
				if _, err := e.applyCompletedEffect(ctx, s, tx); err != nil {
					return err
				}
			}

			fresh.Status = DisputeResolved
			fresh.Resolution = input.Resolution
			fresh.ClientRefundAmount = refund
			fresh.FreelancerPayoutAmount = payout
			fresh.ResolvedBy = input.ResolvedBy
			fresh.ResolutionNotes = input.Notes
			fresh.UpdatedAt = now
			fresh.ResolvedAt = &now
			if err := s.DisputePut(ctx, fresh); err != nil {
				return err
			}
			out = fresh.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.emit(newDisputeEvent(EventTypeDisputeResolved, out))
	return out, nil
}

// Dispute returns a copy of the dispute with the given ID.
func (e *Engine) Dispute(ctx context.Context, disputeID string) (*Dispute, error) {
	if disputeID == "" {
		return nil, fmt.Errorf("%w: dispute id required", ErrInvalidInput)
	}
	dispute, found, err := e.store.DisputeGet(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, disputeID)
	}
	return dispute.Clone(), nil
}

// OpenDisputeFor returns the contract's currently open dispute, if any.
func (e *Engine) OpenDisputeFor(ctx context.Context, contractID string) (*Dispute, error) {
	if contractID == "" {
		return nil, fmt.Errorf("%w: contract id required", ErrInvalidInput)
	}
	dispute, found, err := e.store.OpenDisputeByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: no open dispute for %s", ErrDisputeNotFound, contractID)
	}
	return dispute.Clone(), nil
}

// CloseDispute withdraws a dispute without settlement, releasing the freeze.
func (e *Engine) CloseDispute(ctx context.Context, disputeID, closedBy, notes string) (*Dispute, error) {
	if disputeID == "" {
		return nil, fmt.Errorf("%w: dispute id required", ErrInvalidInput)
	}
	probe, found, err := e.store.DisputeGet(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, disputeID)
	}
	var out *Dispute
	err = e.guard.Do(probe.ContractID, func() error {
		out, err = e.closeWithoutSettlement(ctx, disputeID, closedBy, notes)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.emit(newDisputeEvent(EventTypeDisputeClosed, out))
	return out, nil
}

// closeWithoutSettlement terminates a dispute as CLOSED, unfreezing whatever
// remains of the claim. Callers hold the account guard.
func (e *Engine) closeWithoutSettlement(ctx context.Context, disputeID, closedBy, notes string) (*Dispute, error) {
	var out *Dispute
	err := e.store.Atomically(ctx, func(s State) error {
		dispute, found, err := s.DisputeGet(ctx, disputeID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrDisputeNotFound, disputeID)
		}
		if dispute.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrDisputeClosed, disputeID)
		}
		account, err := loadActiveAccount(ctx, s, dispute.ContractID)
		if err != nil {
			return err
		}
		now := e.now()
		if dispute.DisputedAmount.IsPositive() {
			if err := unfreezeClaim(account, dispute, dispute.DisputedAmount, now); err != nil {
				return err
			}
			if err := s.AccountPut(ctx, account); err != nil {
				return err
			}
		}
		dispute.Status = DisputeClosed
		dispute.Resolution = ResolutionCancelled
		dispute.ResolvedBy = closedBy
		dispute.ResolutionNotes = notes
		dispute.UpdatedAt = now
		dispute.ResolvedAt = &now
		if err := s.DisputePut(ctx, dispute); err != nil {
			return err
		}
		out = dispute.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) settlementTransaction(d *Dispute, currency string, txType TransactionType, amount decimal.Decimal, providerRef, initiatedBy, leg string) *Transaction {
	return &Transaction{
		ID:               e.newID(),
		ContractID:       d.ContractID,
		MilestoneID:      d.MilestoneID,
		DisputeID:        d.ID,
		Type:             txType,
		Status:           TxProcessing,
		Currency:         currency,
		GrossAmount:      amount,
		PlatformFee:      decimal.Zero,
		SecureModeAmount: decimal.Zero,
		ProcessingFee:    decimal.Zero,
		NetAmount:        amount,
		IdempotencyKey:   fmt.Sprintf("dispute:%s:%s", d.ID, leg),
		ProviderRef:      providerRef,
		InitiatedBy:      initiatedBy,
		CreatedAt:        e.now(),
	}
}

// deriveSplit turns a resolution plus its inputs into the concrete
// (clientRefund, freelancerPayout) pair. FULL_* resolutions ignore the
// provided amounts, PARTIAL_* derive the missing side from the claim, and
// SPLIT takes both sides as given but never more than the claim.
func deriveSplit(resolution Resolution, claim, refund, payout decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if refund.IsNegative() || payout.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: negative settlement amount", ErrInvalidInput)
	}
	switch resolution {
	case ResolutionFullRefund:
		return claim, decimal.Zero, nil
	case ResolutionFullRelease:
		return decimal.Zero, claim, nil
	case ResolutionPartialRefund:
		if refund.GreaterThan(claim) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: refund %s, claim %s", ErrSplitExceedsClaim, refund, claim)
		}
		return refund, claim.Sub(refund), nil
	case ResolutionPartialRelease:
		if payout.GreaterThan(claim) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: payout %s, claim %s", ErrSplitExceedsClaim, payout, claim)
		}
		return claim.Sub(payout), payout, nil
	case ResolutionSplit:
		total := refund.Add(payout)
		if total.GreaterThan(claim) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: split %s, claim %s", ErrSplitExceedsClaim, total, claim)
		}
		// Any shortfall beyond a rounding residual of one minor unit means
		// the caller's split does not account for the full claim.
		if claim.Sub(total).GreaterThan(decimal.New(1, -2)) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: split %s leaves %s of claim %s unassigned", ErrSplitMismatch, total, claim.Sub(total), claim)
		}
		return refund, payout, nil
	case ResolutionCancelled:
		return decimal.Zero, decimal.Zero, nil
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: resolution %q", ErrInvalidInput, resolution)
	}
}
