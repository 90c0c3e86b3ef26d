package escrow

// Canonical event types emitted by the engines. Downstream consumers
// (notifications, analytics, webhooks) key on these strings.
const (
	EventTypeAccountFunded   = "escrow.funded"
	EventTypeAccountReleased = "escrow.released"
	EventTypeAccountRefunded = "escrow.refunded"
	EventTypeAccountFrozen   = "escrow.frozen"
	EventTypeAccountUnfrozen = "escrow.unfrozen"
	EventTypeAccountClosed   = "escrow.closed"
	EventTypeCapturePending  = "escrow.capture_pending"
	EventTypeCaptureFailed   = "escrow.capture_failed"
	EventTypeDisputeOpened   = "dispute.opened"
	EventTypeDisputeUpdated  = "dispute.updated"
	EventTypeDisputeResolved = "dispute.resolved"
	EventTypeDisputeClosed   = "dispute.closed"
)

// Event is the deterministic payload handed to the emitter after a state
// change commits.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter receives engine events. Implementations must not block; slow
// consumers should queue internally.
type Emitter interface {
	Emit(evt Event)
}

// NoopEmitter drops every event. It is the default when no emitter is wired.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

func newTransactionEvent(eventType string, tx *Transaction, account *Account) Event {
	attrs := make(map[string]string)
	if tx != nil {
		attrs["transactionId"] = tx.ID
		attrs["contractId"] = tx.ContractID
		attrs["type"] = string(tx.Type)
		attrs["status"] = string(tx.Status)
		attrs["grossAmount"] = tx.GrossAmount.String()
		attrs["currency"] = tx.Currency
		if tx.MilestoneID != "" {
			attrs["milestoneId"] = tx.MilestoneID
		}
		if tx.DisputeID != "" {
			attrs["disputeId"] = tx.DisputeID
		}
		if tx.FailureReason != "" {
			attrs["reason"] = tx.FailureReason
		}
	}
	if account != nil {
		attrs["currentBalance"] = account.CurrentBalance().String()
		attrs["availableBalance"] = account.AvailableBalance().String()
		attrs["frozenAmount"] = account.FrozenAmount.String()
	}
	return Event{Type: eventType, Attributes: attrs}
}

func newDisputeEvent(eventType string, d *Dispute) Event {
	attrs := make(map[string]string)
	if d != nil {
		attrs["disputeId"] = d.ID
		attrs["contractId"] = d.ContractID
		attrs["status"] = string(d.Status)
		attrs["disputedAmount"] = d.DisputedAmount.String()
		if d.MilestoneID != "" {
			attrs["milestoneId"] = d.MilestoneID
		}
		if d.Resolution != "" {
			attrs["resolution"] = string(d.Resolution)
			attrs["clientRefund"] = d.ClientRefundAmount.String()
			attrs["freelancerPayout"] = d.FreelancerPayoutAmount.String()
		}
	}
	return Event{Type: eventType, Attributes: attrs}
}
