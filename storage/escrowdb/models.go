package escrowdb

import (
	"time"

	"github.com/shopspring/decimal"

	"skillancer/native/escrow"
)

// accountRow persists one escrow account. The version column backs optimistic
// concurrency: every update must name the version it read.
type accountRow struct {
	ContractID    string          `gorm:"primaryKey;size:64"`
	Currency      string          `gorm:"size:3;not null"`
	TotalFunded   decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	TotalReleased decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	TotalRefunded decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	FrozenAmount  decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Status        string          `gorm:"size:16;index;not null"`
	Version       uint64          `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (accountRow) TableName() string { return "escrow_accounts" }

func accountRowFrom(a *escrow.Account) accountRow {
	return accountRow{
		ContractID:    a.ContractID,
		Currency:      a.Currency,
		TotalFunded:   a.TotalFunded,
		TotalReleased: a.TotalReleased,
		TotalRefunded: a.TotalRefunded,
		FrozenAmount:  a.FrozenAmount,
		Status:        string(a.Status),
		Version:       a.Version,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func (r accountRow) toDomain() *escrow.Account {
	return &escrow.Account{
		ContractID:    r.ContractID,
		Currency:      r.Currency,
		TotalFunded:   r.TotalFunded,
		TotalReleased: r.TotalReleased,
		TotalRefunded: r.TotalRefunded,
		FrozenAmount:  r.FrozenAmount,
		Status:        escrow.AccountStatus(r.Status),
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// transactionRow persists one ledger movement. The composite unique index on
// contract and idempotency key is what makes replay detection race-proof.
type transactionRow struct {
	ID               string          `gorm:"primaryKey;size:64"`
	ContractID       string          `gorm:"size:64;index;uniqueIndex:ux_escrow_tx_contract_key;not null"`
	MilestoneID      string          `gorm:"size:64;index"`
	DisputeID        string          `gorm:"size:64;index"`
	Type             string          `gorm:"size:32;index;not null"`
	Status           string          `gorm:"size:32;index;not null"`
	Currency         string          `gorm:"size:3;not null"`
	GrossAmount      decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	PlatformFee      decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	SecureModeAmount decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	ProcessingFee    decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	NetAmount        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	IdempotencyKey   string          `gorm:"size:128;uniqueIndex:ux_escrow_tx_contract_key;not null"`
	ProviderRef      string          `gorm:"size:128;index"`
	FailureReason    string          `gorm:"size:512"`
	InitiatedBy      string          `gorm:"size:64"`
	CreatedAt        time.Time       `gorm:"index"`
	ProcessedAt      *time.Time
}

func (transactionRow) TableName() string { return "escrow_transactions" }

func transactionRowFrom(t *escrow.Transaction) transactionRow {
	return transactionRow{
		ID:               t.ID,
		ContractID:       t.ContractID,
		MilestoneID:      t.MilestoneID,
		DisputeID:        t.DisputeID,
		Type:             string(t.Type),
		Status:           string(t.Status),
		Currency:         t.Currency,
		GrossAmount:      t.GrossAmount,
		PlatformFee:      t.PlatformFee,
		SecureModeAmount: t.SecureModeAmount,
		ProcessingFee:    t.ProcessingFee,
		NetAmount:        t.NetAmount,
		IdempotencyKey:   t.IdempotencyKey,
		ProviderRef:      t.ProviderRef,
		FailureReason:    t.FailureReason,
		InitiatedBy:      t.InitiatedBy,
		CreatedAt:        t.CreatedAt,
		ProcessedAt:      t.ProcessedAt,
	}
}

func (r transactionRow) toDomain() *escrow.Transaction {
	return &escrow.Transaction{
		ID:               r.ID,
		ContractID:       r.ContractID,
		MilestoneID:      r.MilestoneID,
		DisputeID:        r.DisputeID,
		Type:             escrow.TransactionType(r.Type),
		Status:           escrow.TransactionStatus(r.Status),
		Currency:         r.Currency,
		GrossAmount:      r.GrossAmount,
		PlatformFee:      r.PlatformFee,
		SecureModeAmount: r.SecureModeAmount,
		ProcessingFee:    r.ProcessingFee,
		NetAmount:        r.NetAmount,
		IdempotencyKey:   r.IdempotencyKey,
		ProviderRef:      r.ProviderRef,
		FailureReason:    r.FailureReason,
		InitiatedBy:      r.InitiatedBy,
		CreatedAt:        r.CreatedAt,
		ProcessedAt:      r.ProcessedAt,
	}
}

type disputeRow struct {
	ID                     string          `gorm:"primaryKey;size:64"`
	ContractID             string          `gorm:"size:64;index;not null"`
	MilestoneID            string          `gorm:"size:64;index"`
	DisputedAmount         decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Status                 string          `gorm:"size:32;index;not null"`
	OpenedBy               string          `gorm:"size:64"`
	Reason                 string          `gorm:"size:1024"`
	ProposedResolution     string          `gorm:"size:32"`
	ProposedRefund         decimal.Decimal `gorm:"type:numeric(20,2)"`
	ProposedPayout         decimal.Decimal `gorm:"type:numeric(20,2)"`
	ClientAccepted         bool
	FreelancerAccepted     bool
	Resolution             string          `gorm:"size:32"`
	ClientRefundAmount     decimal.Decimal `gorm:"type:numeric(20,2)"`
	FreelancerPayoutAmount decimal.Decimal `gorm:"type:numeric(20,2)"`
	ResolvedBy             string          `gorm:"size:64"`
	ResolutionNotes        string          `gorm:"size:1024"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
	ResolvedAt             *time.Time
}

func (disputeRow) TableName() string { return "escrow_disputes" }

func disputeRowFrom(d *escrow.Dispute) disputeRow {
	return disputeRow{
		ID:                     d.ID,
		ContractID:             d.ContractID,
		MilestoneID:            d.MilestoneID,
		DisputedAmount:         d.DisputedAmount,
		Status:                 string(d.Status),
		OpenedBy:               d.OpenedBy,
		Reason:                 d.Reason,
		ProposedResolution:     string(d.ProposedResolution),
		ProposedRefund:         d.ProposedRefund,
		ProposedPayout:         d.ProposedPayout,
		ClientAccepted:         d.ClientAccepted,
		FreelancerAccepted:     d.FreelancerAccepted,
		Resolution:             string(d.Resolution),
		ClientRefundAmount:     d.ClientRefundAmount,
		FreelancerPayoutAmount: d.FreelancerPayoutAmount,
		ResolvedBy:             d.ResolvedBy,
		ResolutionNotes:        d.ResolutionNotes,
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
		ResolvedAt:             d.ResolvedAt,
	}
}

func (r disputeRow) toDomain() *escrow.Dispute {
	return &escrow.Dispute{
		ID:                     r.ID,
		ContractID:             r.ContractID,
		MilestoneID:            r.MilestoneID,
		DisputedAmount:         r.DisputedAmount,
		Status:                 escrow.DisputeStatus(r.Status),
		OpenedBy:               r.OpenedBy,
		Reason:                 r.Reason,
		ProposedResolution:     escrow.Resolution(r.ProposedResolution),
		ProposedRefund:         r.ProposedRefund,
		ProposedPayout:         r.ProposedPayout,
		ClientAccepted:         r.ClientAccepted,
		FreelancerAccepted:     r.FreelancerAccepted,
		Resolution:             escrow.Resolution(r.Resolution),
		ClientRefundAmount:     r.ClientRefundAmount,
		FreelancerPayoutAmount: r.FreelancerPayoutAmount,
		ResolvedBy:             r.ResolvedBy,
		ResolutionNotes:        r.ResolutionNotes,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
		ResolvedAt:             r.ResolvedAt,
	}
}

type milestoneRow struct {
	ID               string          `gorm:"primaryKey;size:64"`
	ContractID       string          `gorm:"size:64;index;not null"`
	Amount           decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	EscrowFunded     bool
	EscrowFundedAt   *time.Time
	EscrowReleasedAt *time.Time
}

func (milestoneRow) TableName() string { return "escrow_milestones" }

func milestoneRowFrom(m *escrow.Milestone) milestoneRow {
	return milestoneRow{
		ID:               m.ID,
		ContractID:       m.ContractID,
		Amount:           m.Amount,
		EscrowFunded:     m.EscrowFunded,
		EscrowFundedAt:   m.EscrowFundedAt,
		EscrowReleasedAt: m.EscrowReleasedAt,
	}
}

func (r milestoneRow) toDomain() *escrow.Milestone {
	return &escrow.Milestone{
		ID:               r.ID,
		ContractID:       r.ContractID,
		Amount:           r.Amount,
		EscrowFunded:     r.EscrowFunded,
		EscrowFundedAt:   r.EscrowFundedAt,
		EscrowReleasedAt: r.EscrowReleasedAt,
	}
}
