package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

type memData struct {
	accounts   map[string]*Account
	txs        map[string]*Transaction
	order      []string
	disputes   map[string]*Dispute
	milestones map[string]*Milestone
}

func newMemData() *memData {
	return &memData{
		accounts:   make(map[string]*Account),
		txs:        make(map[string]*Transaction),
		disputes:   make(map[string]*Dispute),
		milestones: make(map[string]*Milestone),
	}
}

func (d *memData) clone() *memData {
	out := newMemData()
	for k, v := range d.accounts {
		out.accounts[k] = v.Clone()
	}
	for k, v := range d.txs {
		out.txs[k] = v.Clone()
	}
	out.order = append(out.order, d.order...)
	for k, v := range d.disputes {
		out.disputes[k] = v.Clone()
	}
	for k, v := range d.milestones {
		out.milestones[k] = v.Clone()
	}
	return out
}

type memView struct{ data *memData }

func (v memView) AccountGet(_ context.Context, contractID string) (*Account, bool, error) {
	a, ok := v.data.accounts[contractID]
	return a.Clone(), ok, nil
}

func (v memView) AccountPut(_ context.Context, account *Account) error {
	v.data.accounts[account.ContractID] = account.Clone()
	return nil
}

func (v memView) TransactionPut(_ context.Context, tx *Transaction) error {
	if _, ok := v.data.txs[tx.ID]; !ok {
		v.data.order = append(v.data.order, tx.ID)
	}
	v.data.txs[tx.ID] = tx.Clone()
	return nil
}

func (v memView) TransactionGet(_ context.Context, id string) (*Transaction, bool, error) {
	tx, ok := v.data.txs[id]
	return tx.Clone(), ok, nil
}

func (v memView) TransactionByIdempotencyKey(_ context.Context, contractID, key string) (*Transaction, bool, error) {
	for _, id := range v.data.order {
		tx := v.data.txs[id]
		if tx.ContractID == contractID && tx.IdempotencyKey == key {
			return tx.Clone(), true, nil
		}
	}
	return nil, false, nil
}

func (v memView) TransactionByProviderRef(_ context.Context, providerRef string) (*Transaction, bool, error) {
	for _, id := range v.data.order {
		tx := v.data.txs[id]
		if tx.ProviderRef != "" && tx.ProviderRef == providerRef {
			return tx.Clone(), true, nil
		}
	}
	return nil, false, nil
}

func (v memView) TransactionsByContract(_ context.Context, contractID string, limit int) ([]*Transaction, error) {
	var out []*Transaction
	for i := len(v.data.order) - 1; i >= 0 && len(out) < limit; i-- {
		tx := v.data.txs[v.data.order[i]]
		if tx.ContractID == contractID {
			out = append(out, tx.Clone())
		}
	}
	return out, nil
}

func (v memView) LatestCapture(_ context.Context, contractID, milestoneID string) (*Transaction, bool, error) {
	for i := len(v.data.order) - 1; i >= 0; i-- {
		tx := v.data.txs[v.data.order[i]]
		if tx.ContractID != contractID || tx.Type != TxFund || tx.Status != TxCompleted {
			continue
		}
		if milestoneID != "" && tx.MilestoneID != milestoneID {
			continue
		}
		return tx.Clone(), true, nil
	}
	return nil, false, nil
}

func (v memView) DisputeGet(_ context.Context, id string) (*Dispute, bool, error) {
	d, ok := v.data.disputes[id]
	return d.Clone(), ok, nil
}

func (v memView) DisputePut(_ context.Context, dispute *Dispute) error {
	v.data.disputes[dispute.ID] = dispute.Clone()
	return nil
}

func (v memView) OpenDisputeByContract(_ context.Context, contractID string) (*Dispute, bool, error) {
	for _, d := range v.data.disputes {
		if d.ContractID == contractID && !d.Status.Terminal() {
			return d.Clone(), true, nil
		}
	}
	return nil, false, nil
}

func (v memView) MilestoneGet(_ context.Context, id string) (*Milestone, bool, error) {
	m, ok := v.data.milestones[id]
	return m.Clone(), ok, nil
}

func (v memView) MilestonePut(_ context.Context, milestone *Milestone) error {
	v.data.milestones[milestone.ID] = milestone.Clone()
	return nil
}

func (v memView) MilestonesByContract(_ context.Context, contractID string) ([]*Milestone, error) {
	var out []*Milestone
	for _, m := range v.data.milestones {
		if m.ContractID == contractID {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

type memStore struct {
	mu   sync.Mutex
	data *memData
}

func newMemStore() *memStore { return &memStore{data: newMemData()} }

func (m *memStore) view() memView { return memView{data: m.data} }

func (m *memStore) AccountGet(ctx context.Context, contractID string) (*Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().AccountGet(ctx, contractID)
}

func (m *memStore) AccountPut(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().AccountPut(ctx, account)
}

func (m *memStore) TransactionPut(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().TransactionPut(ctx, tx)
}

func (m *memStore) TransactionGet(ctx context.Context, id string) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().TransactionGet(ctx, id)
}

func (m *memStore) TransactionByIdempotencyKey(ctx context.Context, contractID, key string) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().TransactionByIdempotencyKey(ctx, contractID, key)
}

func (m *memStore) TransactionByProviderRef(ctx context.Context, providerRef string) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().TransactionByProviderRef(ctx, providerRef)
}

func (m *memStore) TransactionsByContract(ctx context.Context, contractID string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().TransactionsByContract(ctx, contractID, limit)
}

func (m *memStore) LatestCapture(ctx context.Context, contractID, milestoneID string) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().LatestCapture(ctx, contractID, milestoneID)
}

func (m *memStore) DisputeGet(ctx context.Context, id string) (*Dispute, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().DisputeGet(ctx, id)
}

func (m *memStore) DisputePut(ctx context.Context, dispute *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().DisputePut(ctx, dispute)
}

func (m *memStore) OpenDisputeByContract(ctx context.Context, contractID string) (*Dispute, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().OpenDisputeByContract(ctx, contractID)
}

func (m *memStore) MilestoneGet(ctx context.Context, id string) (*Milestone, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().MilestoneGet(ctx, id)
}

func (m *memStore) MilestonePut(ctx context.Context, milestone *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().MilestonePut(ctx, milestone)
}

func (m *memStore) MilestonesByContract(ctx context.Context, contractID string) ([]*Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().MilestonesByContract(ctx, contractID)
}

// Atomically runs fn against a copy of the data and swaps it in only when fn
// succeeds, mirroring the rollback semantics of the durable store.
func (m *memStore) Atomically(_ context.Context, fn func(State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.data.clone()
	if err := fn(memView{data: snapshot}); err != nil {
		return err
	}
	m.data = snapshot
	return nil
}

func (m *memStore) StatsByContract(_ context.Context, contractID string) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{
		ContractID: contractID,
		Counts:     make(map[TransactionType]int64),
		Totals:     make(map[TransactionType]decimal.Decimal),
	}
	for _, id := range m.data.order {
		tx := m.data.txs[id]
		if tx.ContractID != contractID || tx.Status != TxCompleted {
			continue
		}
		stats.Counts[tx.Type]++
		stats.Totals[tx.Type] = stats.Totals[tx.Type].Add(tx.GrossAmount)
	}
	return stats, nil
}

func (m *memStore) NonTerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, id := range m.data.order {
		tx := m.data.txs[id]
		if tx.Status.Terminal() || !tx.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, tx.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) NonTerminalByContract(_ context.Context, contractID string) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.data.order {
		tx := m.data.txs[id]
		if tx.ContractID == contractID && !tx.Status.Terminal() {
			return tx.Clone(), true, nil
		}
	}
	return nil, false, nil
}

type stubGateway struct {
	mu sync.Mutex

	captureStatus  ProviderStatus
	transferStatus ProviderStatus
	refundStatus   ProviderStatus
	captureErr     error
	transferErr    error
	refundErr      error
	stateResult    GatewayResult

	captureCalls  int
	transferCalls int
	refundCalls   int
	stateCalls    int

	captureAmounts  []decimal.Decimal
	transferAmounts []decimal.Decimal
	refundAmounts   []decimal.Decimal
	lastRefundRef   string
	seq             int
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		captureStatus:  ProviderSucceeded,
		transferStatus: ProviderSucceeded,
		refundStatus:   ProviderSucceeded,
	}
}

func (g *stubGateway) result(prefix string, status ProviderStatus) GatewayResult {
	g.seq++
	res := GatewayResult{ProviderRef: fmt.Sprintf("%s_%d", prefix, g.seq), Status: status}
	if status == ProviderDeclined {
		res.Reason = "card_declined"
	}
	return res
}

func (g *stubGateway) Capture(_ context.Context, amount decimal.Decimal, _, _ string, _ map[string]string) (GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captureCalls++
	g.captureAmounts = append(g.captureAmounts, amount)
	if g.captureErr != nil {
		return GatewayResult{}, g.captureErr
	}
	return g.result("cap", g.captureStatus), nil
}

func (g *stubGateway) Transfer(_ context.Context, amount decimal.Decimal, _, _ string, _ map[string]string) (GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transferCalls++
	g.transferAmounts = append(g.transferAmounts, amount)
	if g.transferErr != nil {
		return GatewayResult{}, g.transferErr
	}
	return g.result("tr", g.transferStatus), nil
}

func (g *stubGateway) RefundCapture(_ context.Context, providerRef string, amount decimal.Decimal) (GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	g.refundAmounts = append(g.refundAmounts, amount)
	g.lastRefundRef = providerRef
	if g.refundErr != nil {
		return GatewayResult{}, g.refundErr
	}
	return g.result("ref", g.refundStatus), nil
}

func (g *stubGateway) CaptureState(_ context.Context, _ string) (GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stateCalls++
	return g.stateResult, nil
}

type stubContracts struct{ info ContractInfo }

func (c stubContracts) Contract(_ context.Context, contractID string) (ContractInfo, error) {
	info := c.info
	info.ContractID = contractID
	return info, nil
}

type capturingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *capturingEmitter) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Type)
	}
	return out
}

func testContractInfo(t *testing.T) ContractInfo {
	return ContractInfo{
		Currency:             "usd",
		PlatformFeePercent:   dec(t, "10"),
		ProcessingFeePercent: dec(t, "3"),
		FreelancerAccountID:  "acct_freelancer_1",
		ClientUserID:         "user_client_1",
	}
}

func newTestEngine(t *testing.T, gw *stubGateway, opts ...Option) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seq := 0
	defaults := []Option{
		WithClock(func() time.Time { return base }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("tx-%04d", seq)
		}),
	}
	engine := NewEngine(store, gw, stubContracts{info: testContractInfo(t)}, append(defaults, opts...)...)
	return engine, store
}

func mustFund(t *testing.T, e *Engine, contractID, amount, key string) *Transaction {
	t.Helper()
	tx, err := e.Fund(context.Background(), FundInput{
		ContractID:      contractID,
		Amount:          dec(t, amount),
		PaymentMethodID: "pm_1",
		IdempotencyKey:  key,
		InitiatedBy:     "user_client_1",
	})
	if err != nil {
		t.Fatalf("fund %s: %v", amount, err)
	}
	return tx
}

func TestFundCreatesAccountAndRecordsFees(t *testing.T) {
	gw := newStubGateway()
	engine, store := newTestEngine(t, gw)
	ctx := context.Background()

	tx := mustFund(t, engine, "contract-1", "1000.00", "fund-1")

	if tx.Status != TxCompleted {
		t.Fatalf("status = %s, want %s", tx.Status, TxCompleted)
	}
	if !tx.PlatformFee.Equal(dec(t, "100.00")) {
		t.Fatalf("platform fee = %s, want 100.00", tx.PlatformFee)
	}
	if !tx.ProcessingFee.Equal(dec(t, "30.00")) {
		t.Fatalf("processing fee = %s, want 30.00", tx.ProcessingFee)
	}
	if !tx.NetAmount.Equal(dec(t, "900.00")) {
		t.Fatalf("net = %s, want 900.00", tx.NetAmount)
	}
	if tx.Currency != "USD" {
		t.Fatalf("currency = %q, want USD", tx.Currency)
	}

	// The client is charged gross plus the processing fee.
	if len(gw.captureAmounts) != 1 || !gw.captureAmounts[0].Equal(dec(t, "1030.00")) {
		t.Fatalf("capture amounts = %v, want [1030.00]", gw.captureAmounts)
	}

	account, found, err := store.AccountGet(ctx, "contract-1")
	if err != nil || !found {
		t.Fatalf("account lookup: found=%v err=%v", found, err)
	}
	if !account.TotalFunded.Equal(dec(t, "1000.00")) {
		t.Fatalf("total funded = %s, want 1000.00", account.TotalFunded)
	}
	if account.Status != AccountActive {
		t.Fatalf("account status = %s, want %s", account.Status, AccountActive)
	}
	if err := account.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestFundReplayDoesNotChargeTwice(t *testing.T) {
	gw := newStubGateway()
	engine, _ := newTestEngine(t, gw)

	first := mustFund(t, engine, "contract-1", "500.00", "fund-once")
	second := mustFund(t, engine, "contract-1", "500.00", "fund-once")

	if first.ID != second.ID {
		t.Fatalf("replay returned a different transaction: %s vs %s", first.ID, second.ID)
	}
	if gw.captureCalls != 1 {
		t.Fatalf("capture calls = %d, want 1", gw.captureCalls)
	}
}

func TestFundIdempotencyKeyReuseRejected(t *testing.T) {
	gw := newStubGateway()
	engine, _ := newTestEngine(t, gw)

	mustFund(t, engine, "contract-1", "500.00", "fund-once")
	_, err := engine.Fund(context.Background(), FundInput{
		ContractID:      "contract-1",
		Amount:          dec(t, "600.00"),
		PaymentMethodID: "pm_1",
		IdempotencyKey:  "fund-once",
	})
	if !errors.Is(err, ErrIdempotencyMismatch) {
		t.Fatalf("err = %v, want ErrIdempotencyMismatch", err)
	}
	if gw.captureCalls != 1 {
		t.Fatalf("capture calls = %d, want 1", gw.captureCalls)
	}
}

func TestFundDeclinedLeavesBalanceUntouched(t *testing.T) {
	gw := newStubGateway()
	gw.captureStatus = ProviderDeclined
	engine, store := newTestEngine(t, gw)
	ctx := context.Background()

	tx, err := engine.Fund(ctx, FundInput{
		ContractID:      "contract-1",
		Amount:          dec(t, "250.00"),
		PaymentMethodID: "pm_1",
		IdempotencyKey:  "fund-declined",
	})
	if !errors.Is(err, ErrGatewayDeclined) {
		t.Fatalf("err = %v, want ErrGatewayDeclined", err)
	}
	if tx == nil || tx.Status != TxFailed {
		t.Fatalf("tx = %+v, want FAILED record", tx)
	}
	if tx.FailureReason == "" {
		t.Fatal("expected a failure reason from the provider")
	}

	// A declined first fund must not leave an empty account behind.
	_, found, err := store.AccountGet(ctx, "contract-1")
	if err != nil {
		t.Fatalf("account lookup: %v", err)
	}
	if found {
		t.Fatal("account exists after declined first fund")
	}
}

func TestFundPendingSettledByWebhook(t *testing.T) {
	gw := newStubGateway()
	gw.captureStatus = ProviderPending
	engine, store := newTestEngine(t, gw)
	ctx := context.Background()

	tx := mustFund(t, engine, "contract-1", "400.00", "fund-pending")
	if tx.Status != TxRequiresCapture {
		t.Fatalf("status = %s, want %s", tx.Status, TxRequiresCapture)
	}

	settled, err := engine.CompleteCapture(ctx, tx.ProviderRef, ProviderSucceeded, "")
	if err != nil {
		t.Fatalf("complete capture: %v", err)
	}
	if settled.Status != TxCompleted {
		t.Fatalf("settled status = %s, want %s", settled.Status, TxCompleted)
	}

	account, _, _ := store.AccountGet(ctx, "contract-1")
	if !account.TotalFunded.Equal(dec(t, "400.00")) {
		t.Fatalf("total funded = %s, want 400.00", account.TotalFunded)
	}

	// Delivering the same webhook again must not double-credit.
	if _, err := engine.CompleteCapture(ctx, tx.ProviderRef, ProviderSucceeded, ""); err != nil {
		t.Fatalf("replayed webhook: %v", err)
	}
	account, _, _ = store.AccountGet(ctx, "contract-1")
	if !account.TotalFunded.Equal(dec(t, "400.00")) {
		t.Fatalf("total funded after replay = %s, want 400.00", account.TotalFunded)
	}
}

func TestFundGatewayOutageParksTransaction(t *testing.T) {
	gw := newStubGateway()
	gw.captureErr = errors.New("connection reset")
	engine, _ := newTestEngine(t, gw)

	tx, err := engine.Fund(context.Background(), FundInput{
		ContractID:      "contract-1",
		Amount:          dec(t, "400.00"),
		PaymentMethodID: "pm_1",
		IdempotencyKey:  "fund-outage",
	})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
	if tx == nil || tx.Status != TxRequiresCapture {
		t.Fatalf("tx = %+v, want REQUIRES_CAPTURE record", tx)
	}
}

func TestReleaseTransfersNetOfFees(t *testing.T) {
	gw := newStubGateway()
	engine, store := newTestEngine(t, gw)
	ctx := context.Background()

	mustFund(t, engine, "contract-1", "1000.00", "fund-1")
	tx, err := engine.Release(ctx, ReleaseInput{
		ContractID:     "contract-1",
		Amount:         dec(t, "200.00"),
		IdempotencyKey: "release-1",
		InitiatedBy:    "user_client_1",
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if tx.Type != TxPartialRelease {
		t.Fatalf("type = %s, want %s", tx.Type, TxPartialRelease)
	}
	// Freelancer receives 200 minus the 10% platform fee.
	if len(gw.transferAmounts) != 1 || !gw.transferAmounts[0].Equal(dec(t, "180.00")) {
		t.Fatalf("transfer amounts = %v, want [180.00]", gw.transferAmounts)
	}

	account, _, _ := store.AccountGet(ctx, "contract-1")
	if !account.TotalReleased.Equal(dec(t, "200.00")) {
		t.Fatalf("total released = %s, want 200.00", account.TotalReleased)
	}
	if !account.CurrentBalance().Equal(dec(t, "800.00")) {
		t.Fatalf("balance = %s, want 800.00", account.CurrentBalance())
	}
}

func TestReleaseRejectedWhenFrozen(t *testing.T) {
	gw := newStubGateway()
	engine, _ := newTestEngine(t, gw)
	ctx := context.Background()

	mustFund(t, engine, "contract-1", "1000.00", "fund-1")
	if _, err := engine.Release(ctx, ReleaseInput{
		ContractID:     "contract-1",
		Amount:         dec(t, "200.00"),
		IdempotencyKey: "release-1",
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := engine.OpenDispute(ctx, OpenDisputeInput{
		ContractID: "contract-1",
		Amount:     dec(t, "300.00"),
		OpenedBy:   "user_client_1",
		Reason:     "deliverable rejected",
	}); err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	// Balance is 800 but 300 is frozen, so only 500 is releasable.
	_, err := engine.Release(ctx, ReleaseInput{
		ContractID:     "contract-1",
		Amount:         dec(t, "600.00"),
		IdempotencyKey: "release-2",
	})
	if !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("err = %v, want ErrInsufficientAvailable", err)
	}
	if _, err := engine.Release(ctx, ReleaseInput{
		ContractID:     "contract-1",
		Amount:         dec(t, "500.00"),
		IdempotencyKey: "release-3",
	}); err != nil {
		t.Fatalf("release within available: %v", err)
	}
}

func TestRefundReturnsFullAmountToClient(t *testing.T) {
	gw := newStubGateway()
	engine, store := newTestEngine(t, gw)
	ctx := context.Background()

	funded := mustFund(t, engine, "contract-1", "1000.00", "fund-1")
	tx, err := engine.Refund(ctx, RefundInput{
		ContractID:     "contract-1",
		Amount:         dec(t, "300.00"),
		Reason:         "scope reduced",
		IdempotencyKey: "refund-1",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if tx.Type != TxPartialRefund {
		t.Fatalf("type = %s, want %s", tx.Type, TxPartialRefund)
	}
	if !tx.PlatformFee.IsZero() || !tx.ProcessingFee.IsZero() {
		t.Fatalf("refund carried fees: platform=%s processing=%s", tx.PlatformFee, tx.ProcessingFee)
	}
	if gw.lastRefundRef != funded.ProviderRef {
		t.Fatalf("refunded against %q, want capture %q", gw.lastRefundRef, funded.ProviderRef)
	}

	account, _, _ := store.AccountGet(ctx, "contract-1")
	if !account.TotalRefunded.Equal(dec(t, "300.00")) {
		t.Fatalf("total refunded = %s, want 300.00", account.TotalRefunded)
	}
}

func TestConservationAcrossOperations(t *testing.T) {
	gw := newStubGateway()
	engine, store := newTestEngine(t, gw)
	ctx := context.Background()

	mustFund(t, engine, "contract-1", "1000.00", "f1")
	mustFund(t, engine, "contract-1", "500.00", "f2")
	if _, err := engine.Release(ctx, ReleaseInput{ContractID: "contract-1", Amount: dec(t, "400.00"), IdempotencyKey: "r1"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := engine.Refund(ctx, RefundInput{ContractID: "contract-1", Amount: dec(t, "100.00"), IdempotencyKey: "rf1"}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	account, _, _ := store.AccountGet(ctx, "contract-1")
	want := account.TotalFunded.Sub(account.TotalReleased).Sub(account.TotalRefunded)
	if !account.CurrentBalance().Equal(want) {
		t.Fatalf("balance %s does not equal funded-released-refunded %s", account.CurrentBalance(), want)
	}
	if !account.CurrentBalance().Equal(dec(t, "1000.00")) {
		t.Fatalf("balance = %s, want 1000.00", account.CurrentBalance())
	}
}

func TestConcurrentFullReleasesOnlyOneWins(t *testing.T) {
	gw := newStubGateway()
	engine, store := newTestEngine(t, gw)
	ctx := context.Background()

	mustFund(t, engine, "contract-1", "1000.00", "fund-1")

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		key := fmt.Sprintf("release-full-%d", i)
		go func() {
			_, err := engine.Release(ctx, ReleaseInput{
				ContractID:     "contract-1",
				Amount:         dec(t, "1000.00"),
				IdempotencyKey: key,
			})
			errs <- err
		}()
	}

	var failures, successes int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			if !errors.Is(err, ErrInsufficientAvailable) {
				t.Fatalf("unexpected error: %v", err)
			}
			failures++
		} else {
			successes++
		}
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("successes=%d failures=%d, want exactly one of each", successes, failures)
	}

	account, _, _ := store.AccountGet(ctx, "contract-1")
	if !account.CurrentBalance().IsZero() {
		t.Fatalf("balance = %s, want 0", account.CurrentBalance())
	}
}

func TestCloseRequiresDrainedAccount(t *testing.T) {
	gw := newStubGateway()
	engine, _ := newTestEngine(t, gw)
	ctx := context.Background()

	mustFund(t, engine, "contract-1", "100.00", "fund-1")
	if _, err := engine.Close(ctx, "contract-1"); !errors.Is(err, ErrBalanceNotZero) {
		t.Fatalf("err = %v, want ErrBalanceNotZero", err)
	}

	if _, err := engine.Release(ctx, ReleaseInput{ContractID: "contract-1", Amount: dec(t, "100.00"), IdempotencyKey: "r1"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	account, err := engine.Close(ctx, "contract-1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if account.Status != AccountClosed {
		t.Fatalf("status = %s, want %s", account.Status, AccountClosed)
	}

	// Closing again is idempotent, funding a closed account is not allowed.
	if _, err := engine.Close(ctx, "contract-1"); err != nil {
		t.Fatalf("repeat close: %v", err)
	}
	_, err = engine.Fund(ctx, FundInput{
		ContractID:      "contract-1",
		Amount:          dec(t, "50.00"),
		PaymentMethodID: "pm_1",
		IdempotencyKey:  "fund-after-close",
	})
	if !errors.Is(err, ErrAccountClosed) {
		t.Fatalf("err = %v, want ErrAccountClosed", err)
	}
}

func TestSummaryAndStats(t *testing.T) {
	gw := newStubGateway()
	engine, _ := newTestEngine(t, gw)
	ctx := context.Background()

	mustFund(t, engine, "contract-1", "1000.00", "f1")
	if _, err := engine.Release(ctx, ReleaseInput{ContractID: "contract-1", Amount: dec(t, "250.00"), IdempotencyKey: "r1"}); err != nil {
		t.Fatalf("release: %v", err)
	}

	summary, err := engine.Summary(ctx, "contract-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary.CurrentBalance.Equal(dec(t, "750.00")) {
		t.Fatalf("balance = %s, want 750.00", summary.CurrentBalance)
	}
	if len(summary.RecentTransactions) != 2 {
		t.Fatalf("recent transactions = %d, want 2", len(summary.RecentTransactions))
	}
	if summary.OpenDispute != nil {
		t.Fatalf("unexpected open dispute: %+v", summary.OpenDispute)
	}

	stats, err := engine.Stats(ctx, "contract-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Counts[TxFund] != 1 || stats.Counts[TxPartialRelease] != 1 {
		t.Fatalf("counts = %+v", stats.Counts)
	}
	if !stats.Totals[TxFund].Equal(dec(t, "1000.00")) {
		t.Fatalf("fund total = %s, want 1000.00", stats.Totals[TxFund])
	}

	if _, err := engine.Summary(ctx, "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestFundEmitsEvent(t *testing.T) {
	gw := newStubGateway()
	emitter := &capturingEmitter{}
	engine, _ := newTestEngine(t, gw, WithEmitter(emitter))

	mustFund(t, engine, "contract-1", "100.00", "f1")

	types := emitter.types()
	if len(types) != 1 || types[0] != EventTypeAccountFunded {
		t.Fatalf("events = %v, want [%s]", types, EventTypeAccountFunded)
	}
}

func TestReleaseDefaultsToAvailableBalance(t *testing.T) {
	gw := newStubGateway()
	engine, store := newTestEngine(t, gw)
	ctx := context.Background()

	mustFund(t, engine, "contract-1", "1000.00", "f1")
	openTestDispute(t, engine, "contract-1", "300.00")

	tx, err := engine.Release(ctx, ReleaseInput{
		ContractID:     "contract-1",
		IdempotencyKey: "release-all",
		InitiatedBy:    "user_client_1",
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	// The frozen claim stays behind; everything else goes out.
	if !tx.GrossAmount.Equal(dec(t, "700.00")) {
		t.Fatalf("gross = %s, want 700.00", tx.GrossAmount)
	}
	if tx.Type != TxPartialRelease {
		t.Fatalf("type = %s, want %s", tx.Type, TxPartialRelease)
	}
	if len(gw.transferAmounts) != 1 || !gw.transferAmounts[0].Equal(dec(t, "630.00")) {
		t.Fatalf("transfer amounts = %v, want [630.00]", gw.transferAmounts)
	}

	account, _, _ := store.AccountGet(ctx, "contract-1")
	if !account.AvailableBalance().IsZero() {
		t.Fatalf("available = %s, want 0", account.AvailableBalance())
	}
	if !account.FrozenAmount.Equal(dec(t, "300.00")) {
		t.Fatalf("frozen = %s, want 300.00", account.FrozenAmount)
	}
}

func TestReleaseDefaultReplayedByKey(t *testing.T) {
	gw := newStubGateway()
	engine, _ := newTestEngine(t, gw)
	ctx := context.Background()

	mustFund(t, engine, "contract-1", "500.00", "f1")
	first, err := engine.Release(ctx, ReleaseInput{
		ContractID:     "contract-1",
		IdempotencyKey: "release-all",
		InitiatedBy:    "user_client_1",
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	// The replay matches on key alone; the balance it would default to has
	// changed since the first attempt.
	again, err := engine.Release(ctx, ReleaseInput{
		ContractID:     "contract-1",
		IdempotencyKey: "release-all",
		InitiatedBy:    "user_client_1",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("replay id = %s, want %s", again.ID, first.ID)
	}
	if gw.transferCalls != 1 {
		t.Fatalf("transfer calls = %d, want 1", gw.transferCalls)
	}
}

func TestRefundDefaultsToAvailableBalance(t *testing.T) {
	gw := newStubGateway()
	engine, store := newTestEngine(t, gw)
	ctx := context.Background()

	mustFund(t, engine, "contract-1", "400.00", "f1")
	tx, err := engine.Refund(ctx, RefundInput{
		ContractID:     "contract-1",
		Reason:         "contract cancelled",
		IdempotencyKey: "refund-all",
		InitiatedBy:    "user_freelancer_1",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if tx.Type != TxRefund {
		t.Fatalf("type = %s, want %s", tx.Type, TxRefund)
	}
	if len(gw.refundAmounts) != 1 || !gw.refundAmounts[0].Equal(dec(t, "400.00")) {
		t.Fatalf("refund amounts = %v, want [400.00]", gw.refundAmounts)
	}

	account, _, _ := store.AccountGet(ctx, "contract-1")
	if !account.CurrentBalance().IsZero() {
		t.Fatalf("balance = %s, want 0", account.CurrentBalance())
	}
}

func TestQuoteFeesHasNoSideEffects(t *testing.T) {
	gw := newStubGateway()
	engine, store := newTestEngine(t, gw)
	ctx := context.Background()

	calc, err := engine.QuoteFees(ctx, "contract-1", dec(t, "1000.00"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !calc.PlatformFee.Equal(dec(t, "100.00")) {
		t.Fatalf("platform fee = %s, want 100.00", calc.PlatformFee)
	}
	if !calc.ProcessingFee.Equal(dec(t, "30.00")) {
		t.Fatalf("processing fee = %s, want 30.00", calc.ProcessingFee)
	}
	if !calc.NetAmount.Equal(dec(t, "900.00")) {
		t.Fatalf("net = %s, want 900.00", calc.NetAmount)
	}

	if gw.captureCalls+gw.transferCalls+gw.refundCalls != 0 {
		t.Fatalf("gateway touched: %d captures %d transfers %d refunds", gw.captureCalls, gw.transferCalls, gw.refundCalls)
	}
	if _, ok, _ := store.AccountGet(ctx, "contract-1"); ok {
		t.Fatal("quote created an account")
	}

	if _, err := engine.QuoteFees(ctx, "contract-1", decimal.Zero); !errors.Is(err, ErrAmountNotPositive) {
		t.Fatalf("err = %v, want ErrAmountNotPositive", err)
	}
}

func TestParkedReleaseBlocksFurtherSpends(t *testing.T) {
	gw := newStubGateway()
	engine, store := newTestEngine(t, gw)
	ctx := context.Background()

	mustFund(t, engine, "contract-1", "1000.00", "f1")
	gw.transferStatus = ProviderPending

	parked, err := engine.Release(ctx, ReleaseInput{
		ContractID:     "contract-1",
		Amount:         dec(t, "1000.00"),
		IdempotencyKey: "r1",
		InitiatedBy:    "user_client_1",
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if parked.Status != TxRequiresCapture {
		t.Fatalf("status = %s, want %s", parked.Status, TxRequiresCapture)
	}

	// A fresh key must not spend the balance the parked transfer will claim.
	if _, err := engine.Release(ctx, ReleaseInput{
		ContractID:     "contract-1",
		Amount:         dec(t, "1000.00"),
		IdempotencyKey: "r2",
		InitiatedBy:    "user_client_1",
	}); !errors.Is(err, ErrPendingSettlement) {
		t.Fatalf("err = %v, want ErrPendingSettlement", err)
	}
	if _, err := engine.Refund(ctx, RefundInput{
		ContractID:     "contract-1",
		Amount:         dec(t, "1000.00"),
		IdempotencyKey: "rf1",
		InitiatedBy:    "user_freelancer_1",
	}); !errors.Is(err, ErrPendingSettlement) {
		t.Fatalf("refund err = %v, want ErrPendingSettlement", err)
	}

	// Replaying the parked key returns the record without a second transfer.
	again, err := engine.Release(ctx, ReleaseInput{
		ContractID:     "contract-1",
		Amount:         dec(t, "1000.00"),
		IdempotencyKey: "r1",
		InitiatedBy:    "user_client_1",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.ID != parked.ID || gw.transferCalls != 1 {
		t.Fatalf("replay id = %s calls = %d, want %s and 1", again.ID, gw.transferCalls, parked.ID)
	}

	// The provider's terminal answer still fits when it arrives.
	settled, err := engine.CompleteCapture(ctx, parked.ProviderRef, ProviderSucceeded, "")
	if err != nil {
		t.Fatalf("complete capture: %v", err)
	}
	if settled.Status != TxCompleted {
		t.Fatalf("settled status = %s, want %s", settled.Status, TxCompleted)
	}
	account, _, _ := store.AccountGet(ctx, "contract-1")
	if !account.TotalReleased.Equal(dec(t, "1000.00")) || !account.CurrentBalance().IsZero() {
		t.Fatalf("released = %s balance = %s, want 1000.00 and 0", account.TotalReleased, account.CurrentBalance())
	}
}

func TestParkedFundBlocksNewOperations(t *testing.T) {
	gw := newStubGateway()
	gw.captureStatus = ProviderPending
	engine, _ := newTestEngine(t, gw)
	ctx := context.Background()

	parked := mustFund(t, engine, "contract-1", "500.00", "f1")
	if parked.Status != TxRequiresCapture {
		t.Fatalf("status = %s, want %s", parked.Status, TxRequiresCapture)
	}

	if _, err := engine.Fund(ctx, FundInput{
		ContractID:      "contract-1",
		Amount:          dec(t, "500.00"),
		PaymentMethodID: "pm_1",
		IdempotencyKey:  "f2",
	}); !errors.Is(err, ErrPendingSettlement) {
		t.Fatalf("err = %v, want ErrPendingSettlement", err)
	}
	if gw.captureCalls != 1 {
		t.Fatalf("capture calls = %d, want 1", gw.captureCalls)
	}

	if _, err := engine.CompleteCapture(ctx, parked.ProviderRef, ProviderSucceeded, ""); err != nil {
		t.Fatalf("complete capture: %v", err)
	}
	mustFund(t, engine, "contract-1", "500.00", "f2")
}
