package escrow

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DisputeStatus represents the arbitration workflow state of a dispute.
type DisputeStatus string

const (
	// DisputeOpen marks a freshly raised dispute holding its freeze claim.
	DisputeOpen DisputeStatus = "OPEN"
	// DisputeResponded indicates the counterparty has answered.
	DisputeResponded DisputeStatus = "RESPONDED"
	// DisputeUnderReview indicates a mediator is examining the case.
	DisputeUnderReview DisputeStatus = "UNDER_REVIEW"
	// DisputeEscalated indicates the case moved to platform arbitration.
	DisputeEscalated DisputeStatus = "ESCALATED"
	// DisputeResolved is terminal: a settlement was applied.
	DisputeResolved DisputeStatus = "RESOLVED"
	// DisputeClosed is terminal: the freeze was released with no settlement,
	// for example after a mutual withdrawal.
	DisputeClosed DisputeStatus = "CLOSED"
)

// Terminal reports whether the dispute can no longer change.
func (s DisputeStatus) Terminal() bool {
	return s == DisputeResolved || s == DisputeClosed
}

// Resolution enumerates the settlement outcomes a mediator can apply.
type Resolution string

const (
	ResolutionFullRefund     Resolution = "FULL_REFUND"
	ResolutionPartialRefund  Resolution = "PARTIAL_REFUND"
	ResolutionFullRelease    Resolution = "FULL_RELEASE"
	ResolutionPartialRelease Resolution = "PARTIAL_RELEASE"
	ResolutionSplit          Resolution = "SPLIT"
	ResolutionCancelled      Resolution = "CANCELLED"
)

// Valid reports whether the resolution value is supported.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionFullRefund, ResolutionPartialRefund, ResolutionFullRelease,
		ResolutionPartialRelease, ResolutionSplit, ResolutionCancelled:
		return true
	default:
		return false
	}
}

// DisputeParty identifies who is accepting or raising on a dispute.
type DisputeParty string

const (
	PartyClient     DisputeParty = "client"
	PartyFreelancer DisputeParty = "freelancer"
)

// Dispute tracks one contested contract or milestone. While non-terminal it
// holds a freeze claim of DisputedAmount on the escrow account; the claim is
// released in full when the dispute terminates, on every resolution path.
type Dispute struct {
	ID          string
	ContractID  string
	MilestoneID string

	DisputedAmount decimal.Decimal
	Status         DisputeStatus
	OpenedBy       string
	Reason         string

	// Proposal fields are populated by ProposeResolution and consumed once
	// both parties accept.
	ProposedResolution Resolution
	ProposedRefund     decimal.Decimal
	ProposedPayout     decimal.Decimal
	ClientAccepted     bool
	FreelancerAccepted bool

	// Settlement fields are populated when the dispute resolves.
	Resolution             Resolution
	ClientRefundAmount     decimal.Decimal
	FreelancerPayoutAmount decimal.Decimal
	ResolvedBy             string
	ResolutionNotes        string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// Clone returns a deep copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	if d.ResolvedAt != nil {
		at := *d.ResolvedAt
		clone.ResolvedAt = &at
	}
	return &clone
}

// Sanitize validates the dispute record prior to persistence.
func (d *Dispute) Sanitize() error {
	if d == nil {
		return fmt.Errorf("%w: nil dispute", ErrInvalidInput)
	}
	if d.ID == "" || d.ContractID == "" {
		return fmt.Errorf("%w: dispute id and contract id required", ErrInvalidInput)
	}
	if d.DisputedAmount.IsNegative() {
		return fmt.Errorf("%w: disputed amount must not be negative", ErrInvalidInput)
	}
	switch d.Status {
	case DisputeOpen, DisputeResponded, DisputeUnderReview, DisputeEscalated, DisputeResolved, DisputeClosed:
	default:
		return fmt.Errorf("%w: invalid dispute status %q", ErrInvalidInput, d.Status)
	}
	return nil
}

// canTransition reports whether the workflow permits moving from the current
// status to the target. Terminal states accept no further transitions.
func (d *Dispute) canTransition(target DisputeStatus) bool {
	if d.Status.Terminal() {
		return false
	}
	switch target {
	case DisputeResponded:
		return d.Status == DisputeOpen
	case DisputeUnderReview:
		return d.Status == DisputeOpen || d.Status == DisputeResponded
	case DisputeEscalated:
		return d.Status == DisputeResponded || d.Status == DisputeUnderReview
	case DisputeResolved, DisputeClosed:
		return true
	default:
		return false
	}
}
