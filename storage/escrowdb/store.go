// Package escrowdb provides the relational backend for the escrow ledger.
// Production runs on Postgres; tests use an in-process SQLite database behind
// the same gorm surface.
package escrowdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"skillancer/native/escrow"
)

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var terminalStatuses = []string{
	string(escrow.TxCompleted),
	string(escrow.TxFailed),
	string(escrow.TxCancelled),
}

// Store implements escrow.Store on top of gorm.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by driver and dsn and migrates the
// escrow schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("escrowdb: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("escrowdb: open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&accountRow{}, &transactionRow{}, &disputeRow{}, &milestoneRow{}); err != nil {
		return nil, fmt.Errorf("escrowdb: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Atomically runs fn inside one database transaction.
func (s *Store) Atomically(ctx context.Context, fn func(escrow.State) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbState{db: tx})
	})
}

// StatsByContract aggregates completed transactions per type.
func (s *Store) StatsByContract(ctx context.Context, contractID string) (*escrow.Stats, error) {
	var rows []struct {
		Type  string
		Count int64
		Total decimal.Decimal
	}
	err := s.db.WithContext(ctx).
		Model(&transactionRow{}).
		Select("type, count(*) as count, sum(gross_amount) as total").
		Where("contract_id = ? AND status = ?", contractID, string(escrow.TxCompleted)).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	stats := &escrow.Stats{
		ContractID: contractID,
		Counts:     make(map[escrow.TransactionType]int64),
		Totals:     make(map[escrow.TransactionType]decimal.Decimal),
	}
	for _, row := range rows {
		t := escrow.TransactionType(row.Type)
		stats.Counts[t] = row.Count
		stats.Totals[t] = row.Total
	}
	return stats, nil
}

// NonTerminalBefore lists stuck transactions for the reconciliation sweep.
func (s *Store) NonTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*escrow.Transaction, error) {
	var rows []transactionRow
	err := s.db.WithContext(ctx).
		Where("status NOT IN ? AND created_at < ?", terminalStatuses, cutoff).
		Order("created_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainTransactions(rows), nil
}

// NonTerminalByContract returns the contract's oldest in-flight transaction.
func (s *Store) NonTerminalByContract(ctx context.Context, contractID string) (*escrow.Transaction, bool, error) {
	var row transactionRow
	err := s.db.WithContext(ctx).
		Where("contract_id = ? AND status NOT IN ?", contractID, terminalStatuses).
		Order("created_at asc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.toDomain(), true, nil
}

func (s *Store) AccountGet(ctx context.Context, contractID string) (*escrow.Account, bool, error) {
	return dbState{db: s.db.WithContext(ctx)}.AccountGet(ctx, contractID)
}

func (s *Store) AccountPut(ctx context.Context, account *escrow.Account) error {
	return dbState{db: s.db.WithContext(ctx)}.AccountPut(ctx, account)
}

func (s *Store) TransactionPut(ctx context.Context, tx *escrow.Transaction) error {
	return dbState{db: s.db.WithContext(ctx)}.TransactionPut(ctx, tx)
}

func (s *Store) TransactionGet(ctx context.Context, id string) (*escrow.Transaction, bool, error) {
	return dbState{db: s.db.WithContext(ctx)}.TransactionGet(ctx, id)
}

func (s *Store) TransactionByIdempotencyKey(ctx context.Context, contractID, key string) (*escrow.Transaction, bool, error) {
	return dbState{db: s.db.WithContext(ctx)}.TransactionByIdempotencyKey(ctx, contractID, key)
}

func (s *Store) TransactionByProviderRef(ctx context.Context, providerRef string) (*escrow.Transaction, bool, error) {
	return dbState{db: s.db.WithContext(ctx)}.TransactionByProviderRef(ctx, providerRef)
}

func (s *Store) TransactionsByContract(ctx context.Context, contractID string, limit int) ([]*escrow.Transaction, error) {
	return dbState{db: s.db.WithContext(ctx)}.TransactionsByContract(ctx, contractID, limit)
}

func (s *Store) LatestCapture(ctx context.Context, contractID, milestoneID string) (*escrow.Transaction, bool, error) {
	return dbState{db: s.db.WithContext(ctx)}.LatestCapture(ctx, contractID, milestoneID)
}

func (s *Store) DisputeGet(ctx context.Context, id string) (*escrow.Dispute, bool, error) {
	return dbState{db: s.db.WithContext(ctx)}.DisputeGet(ctx, id)
}

func (s *Store) DisputePut(ctx context.Context, dispute *escrow.Dispute) error {
	return dbState{db: s.db.WithContext(ctx)}.DisputePut(ctx, dispute)
}

func (s *Store) OpenDisputeByContract(ctx context.Context, contractID string) (*escrow.Dispute, bool, error) {
	return dbState{db: s.db.WithContext(ctx)}.OpenDisputeByContract(ctx, contractID)
}

func (s *Store) MilestoneGet(ctx context.Context, id string) (*escrow.Milestone, bool, error) {
	return dbState{db: s.db.WithContext(ctx)}.MilestoneGet(ctx, id)
}

func (s *Store) MilestonePut(ctx context.Context, milestone *escrow.Milestone) error {
	return dbState{db: s.db.WithContext(ctx)}.MilestonePut(ctx, milestone)
}

func (s *Store) MilestonesByContract(ctx context.Context, contractID string) ([]*escrow.Milestone, error) {
	return dbState{db: s.db.WithContext(ctx)}.MilestonesByContract(ctx, contractID)
}

// dbState implements escrow.State against either the root handle or a
// transaction handle.
type dbState struct {
	db *gorm.DB
}

func (s dbState) AccountGet(ctx context.Context, contractID string) (*escrow.Account, bool, error) {
	var row accountRow
	err := s.db.WithContext(ctx).First(&row, "contract_id = ?", contractID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.toDomain(), true, nil
}

// AccountPut inserts a fresh account or updates an existing one with an
// optimistic version check. A lost race surfaces as ErrVersionConflict so the
// caller can retry against fresh state.
func (s dbState) AccountPut(ctx context.Context, account *escrow.Account) error {
	row := accountRowFrom(account)
	if account.Version == 0 {
		row.Version = 1
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			// Only a lost creation race is retryable; anything else is a
			// real storage failure.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: contract %s", escrow.ErrVersionConflict, account.ContractID)
			}
			return err
		}
		account.Version = 1
		return nil
	}
	res := s.db.WithContext(ctx).
		Model(&accountRow{}).
		Where("contract_id = ? AND version = ?", account.ContractID, account.Version).
		Updates(map[string]any{
			"currency":       row.Currency,
			"total_funded":   row.TotalFunded,
			"total_released": row.TotalReleased,
			"total_refunded": row.TotalRefunded,
			"frozen_amount":  row.FrozenAmount,
			"status":         row.Status,
			"version":        account.Version + 1,
			"updated_at":     row.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: contract %s at version %d", escrow.ErrVersionConflict, account.ContractID, account.Version)
	}
	account.Version++
	return nil
}

func (s dbState) TransactionPut(ctx context.Context, tx *escrow.Transaction) error {
	row := transactionRowFrom(tx)
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s dbState) TransactionGet(ctx context.Context, id string) (*escrow.Transaction, bool, error) {
	var row transactionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.toDomain(), true, nil
}

func (s dbState) TransactionByIdempotencyKey(ctx context.Context, contractID, key string) (*escrow.Transaction, bool, error) {
	var row transactionRow
	err := s.db.WithContext(ctx).First(&row, "contract_id = ? AND idempotency_key = ?", contractID, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.toDomain(), true, nil
}

func (s dbState) TransactionByProviderRef(ctx context.Context, providerRef string) (*escrow.Transaction, bool, error) {
	var row transactionRow
	err := s.db.WithContext(ctx).
		Where("provider_ref = ?", providerRef).
		Order("created_at desc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.toDomain(), true, nil
}

func (s dbState) TransactionsByContract(ctx context.Context, contractID string, limit int) ([]*escrow.Transaction, error) {
	var rows []transactionRow
	err := s.db.WithContext(ctx).
		Where("contract_id = ?", contractID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainTransactions(rows), nil
}

func (s dbState) LatestCapture(ctx context.Context, contractID, milestoneID string) (*escrow.Transaction, bool, error) {
	q := s.db.WithContext(ctx).
		Where("contract_id = ? AND type = ? AND status = ?", contractID, string(escrow.TxFund), string(escrow.TxCompleted))
	if milestoneID != "" {
		q = q.Where("milestone_id = ?", milestoneID)
	}
	var row transactionRow
	err := q.Order("created_at desc, id desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.toDomain(), true, nil
}

func (s dbState) DisputeGet(ctx context.Context, id string) (*escrow.Dispute, bool, error) {
	var row disputeRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.toDomain(), true, nil
}

func (s dbState) DisputePut(ctx context.Context, dispute *escrow.Dispute) error {
	row := disputeRowFrom(dispute)
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s dbState) OpenDisputeByContract(ctx context.Context, contractID string) (*escrow.Dispute, bool, error) {
	var row disputeRow
	err := s.db.WithContext(ctx).
		Where("contract_id = ? AND status NOT IN ?", contractID, []string{
			string(escrow.DisputeResolved),
			string(escrow.DisputeClosed),
		}).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.toDomain(), true, nil
}

func (s dbState) MilestoneGet(ctx context.Context, id string) (*escrow.Milestone, bool, error) {
	var row milestoneRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.toDomain(), true, nil
}

func (s dbState) MilestonePut(ctx context.Context, milestone *escrow.Milestone) error {
	row := milestoneRowFrom(milestone)
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s dbState) MilestonesByContract(ctx context.Context, contractID string) ([]*escrow.Milestone, error) {
	var rows []milestoneRow
	err := s.db.WithContext(ctx).
		Where("contract_id = ?", contractID).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*escrow.Milestone, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func toDomainTransactions(rows []transactionRow) []*escrow.Transaction {
	out := make([]*escrow.Transaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}
