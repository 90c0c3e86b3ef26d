package recon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"skillancer/native/escrow"
)

type stubSource struct {
	txs    []*escrow.Transaction
	cutoff time.Time
	limit  int
}

func (s *stubSource) NonTerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]*escrow.Transaction, error) {
	s.cutoff = cutoff
	s.limit = limit
	return s.txs, nil
}

type stubLedger struct {
	completed map[string]escrow.ProviderStatus
	err       error
}

func (l *stubLedger) CompleteCapture(_ context.Context, providerRef string, status escrow.ProviderStatus, _ string) (*escrow.Transaction, error) {
	if l.err != nil {
		return nil, l.err
	}
	if l.completed == nil {
		l.completed = make(map[string]escrow.ProviderStatus)
	}
	l.completed[providerRef] = status
	txStatus := escrow.TxCompleted
	if status == escrow.ProviderDeclined {
		txStatus = escrow.TxFailed
	}
	return &escrow.Transaction{ID: "tx-" + providerRef, ProviderRef: providerRef, Status: txStatus}, nil
}

type stubProvider struct {
	states map[string]escrow.GatewayResult
	err    error
	polls  int
}

func (p *stubProvider) Capture(context.Context, decimal.Decimal, string, string, map[string]string) (escrow.GatewayResult, error) {
	return escrow.GatewayResult{}, errors.New("not used")
}

func (p *stubProvider) Transfer(context.Context, decimal.Decimal, string, string, map[string]string) (escrow.GatewayResult, error) {
	return escrow.GatewayResult{}, errors.New("not used")
}

func (p *stubProvider) RefundCapture(context.Context, string, decimal.Decimal) (escrow.GatewayResult, error) {
	return escrow.GatewayResult{}, errors.New("not used")
}

func (p *stubProvider) CaptureState(_ context.Context, providerRef string) (escrow.GatewayResult, error) {
	p.polls++
	if p.err != nil {
		return escrow.GatewayResult{}, p.err
	}
	return p.states[providerRef], nil
}

func parkedTx(id, providerRef string) *escrow.Transaction {
	return &escrow.Transaction{
		ID:          id,
		ContractID:  "c-1",
		Type:        escrow.TxFund,
		Status:      escrow.TxRequiresCapture,
		ProviderRef: providerRef,
	}
}

func TestSweepSettlesDecidedTransactions(t *testing.T) {
	source := &stubSource{txs: []*escrow.Transaction{
		parkedTx("tx-1", "cap_1"),
		parkedTx("tx-2", "cap_2"),
	}}
	ledger := &stubLedger{}
	provider := &stubProvider{states: map[string]escrow.GatewayResult{
		"cap_1": {ProviderRef: "cap_1", Status: escrow.ProviderSucceeded},
		"cap_2": {ProviderRef: "cap_2", Status: escrow.ProviderDeclined, Reason: "card expired"},
	}}

	r := New(ledger, source, provider)
	require.NoError(t, r.Sweep(context.Background()))

	require.Equal(t, 2, provider.polls)
	require.Equal(t, escrow.ProviderSucceeded, ledger.completed["cap_1"])
	require.Equal(t, escrow.ProviderDeclined, ledger.completed["cap_2"])
}

func TestSweepLeavesPendingParked(t *testing.T) {
	source := &stubSource{txs: []*escrow.Transaction{parkedTx("tx-1", "cap_1")}}
	ledger := &stubLedger{}
	provider := &stubProvider{states: map[string]escrow.GatewayResult{
		"cap_1": {ProviderRef: "cap_1", Status: escrow.ProviderPending},
	}}

	r := New(ledger, source, provider)
	require.NoError(t, r.Sweep(context.Background()))
	require.Empty(t, ledger.completed)
}

func TestSweepSkipsTransactionsWithoutProviderRef(t *testing.T) {
	source := &stubSource{txs: []*escrow.Transaction{parkedTx("tx-1", "")}}
	ledger := &stubLedger{}
	provider := &stubProvider{}

	r := New(ledger, source, provider)
	require.NoError(t, r.Sweep(context.Background()))
	require.Zero(t, provider.polls)
	require.Empty(t, ledger.completed)
}

func TestSweepSurvivesProviderOutage(t *testing.T) {
	source := &stubSource{txs: []*escrow.Transaction{parkedTx("tx-1", "cap_1")}}
	ledger := &stubLedger{}
	provider := &stubProvider{err: errors.New("connection refused")}

	r := New(ledger, source, provider)
	require.NoError(t, r.Sweep(context.Background()))
	require.Empty(t, ledger.completed)
}

func TestSweepAppliesGraceAndBatchLimit(t *testing.T) {
	source := &stubSource{}
	fixed := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	r := New(&stubLedger{}, source, &stubProvider{},
		WithGracePeriod(10*time.Minute),
		WithBatchLimit(25),
		WithClock(func() time.Time { return fixed }),
	)
	require.NoError(t, r.Sweep(context.Background()))
	require.Equal(t, fixed.Add(-10*time.Minute), source.cutoff)
	require.Equal(t, 25, source.limit)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := New(&stubLedger{}, &stubSource{}, &stubProvider{}, WithInterval(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
