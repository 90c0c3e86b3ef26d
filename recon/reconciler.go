// Package recon periodically settles escrow transactions whose provider
// outcome never arrived, polling the payment provider for the authoritative
// answer.
package recon

import (
	"context"
	"log/slog"
	"time"

	"skillancer/native/escrow"
	"skillancer/observability"
)

// Ledger is the slice of the escrow engine the reconciler drives.
type Ledger interface {
	CompleteCapture(ctx context.Context, providerRef string, status escrow.ProviderStatus, reason string) (*escrow.Transaction, error)
}

// Source lists transactions still awaiting a terminal outcome.
type Source interface {
	NonTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*escrow.Transaction, error)
}

const (
	defaultInterval = time.Minute
	defaultGrace    = 5 * time.Minute
	defaultBatch    = 100
)

// Reconciler sweeps parked transactions on a fixed cadence. Webhooks settle
// most captures; the sweep catches deliveries that were lost or calls that
// timed out before the provider answered.
type Reconciler struct {
	ledger   Ledger
	source   Source
	provider escrow.PaymentGateway

	interval time.Duration
	grace    time.Duration
	batch    int
	logger   *slog.Logger
	nowFn    func() time.Time
}

// Option customises reconciler behaviour.
type Option func(*Reconciler)

// WithInterval sets the sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithGracePeriod sets how old a non-terminal transaction must be before the
// sweep polls the provider for it. Younger transactions are left for their
// webhook.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithBatchLimit caps the number of transactions examined per sweep.
func WithBatchLimit(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the reconciler clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.nowFn = now
		}
	}
}

// New constructs a reconciler over the given ledger, source, and provider.
func New(ledger Ledger, source Source, provider escrow.PaymentGateway, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:   ledger,
		source:   source,
		provider: provider,
		interval: defaultInterval,
		grace:    defaultGrace,
		batch:    defaultBatch,
		logger:   slog.Default(),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps on the configured cadence until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep examines every non-terminal transaction older than the grace period
// and settles the ones the provider has decided. Transactions the provider
// still reports pending stay parked and are counted as stuck.
func (r *Reconciler) Sweep(ctx context.Context) error {
	cutoff := r.nowFn().Add(-r.grace)
	txs, err := r.source.NonTerminalBefore(ctx, cutoff, r.batch)
	if err != nil {
		return err
	}

	stuck := 0
	for _, tx := range txs {
		if tx.ProviderRef == "" {
			// The process died between recording the transaction and the
			// provider call. There is nothing to poll; flag it for operators.
			stuck++
			r.logger.Warn("stale transaction has no provider reference",
				"transaction_id", tx.ID,
				"contract_id", tx.ContractID,
			)
			continue
		}
		result, err := r.provider.CaptureState(ctx, tx.ProviderRef)
		if err != nil {
			stuck++
			observability.Ledger().RecordProviderError("capture_state", "unavailable")
			r.logger.Warn("provider state poll failed",
				"transaction_id", tx.ID,
				"provider_ref", tx.ProviderRef,
				"error", err,
			)
			continue
		}
		if result.Status == escrow.ProviderPending {
			stuck++
			continue
		}
		settled, err := r.ledger.CompleteCapture(ctx, tx.ProviderRef, result.Status, result.Reason)
		if err != nil {
			stuck++
			r.logger.Error("reconciliation settlement failed",
				"transaction_id", tx.ID,
				"provider_ref", tx.ProviderRef,
				"error", err,
			)
			continue
		}
		observability.Recon().RecordSettled(string(settled.Status))
		r.logger.Info("reconciled transaction",
			"transaction_id", settled.ID,
			"contract_id", settled.ContractID,
			"status", string(settled.Status),
		)
	}
	observability.Recon().RecordSweep(stuck)
	return nil
}
