package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"skillancer/gateway/auth"
	"skillancer/gateway/middleware"
	"skillancer/native/escrow"
	"skillancer/observability"
)

// observeOp records one ledger operation in the operation metrics.
func observeOp(op string, start time.Time, err error) {
	observability.Ledger().Observe(op, time.Since(start), err)
}

// ---------------------------------------------------------------------------
// Wire payloads

type accountPayload struct {
	ContractID       string          `json:"contractId"`
	Currency         string          `json:"currency"`
	TotalFunded      decimal.Decimal `json:"totalFunded"`
	TotalReleased    decimal.Decimal `json:"totalReleased"`
	TotalRefunded    decimal.Decimal `json:"totalRefunded"`
	CurrentBalance   decimal.Decimal `json:"currentBalance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	FrozenAmount     decimal.Decimal `json:"frozenAmount"`
	Status           string          `json:"status"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

type transactionPayload struct {
	ID               string          `json:"id"`
	ContractID       string          `json:"contractId"`
	MilestoneID      string          `json:"milestoneId,omitempty"`
	DisputeID        string          `json:"disputeId,omitempty"`
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	Currency         string          `json:"currency"`
	GrossAmount      decimal.Decimal `json:"grossAmount"`
	PlatformFee      decimal.Decimal `json:"platformFee"`
	SecureModeAmount decimal.Decimal `json:"secureModeAmount"`
	ProcessingFee    decimal.Decimal `json:"processingFee"`
	NetAmount        decimal.Decimal `json:"netAmount"`
	ProviderRef      string          `json:"providerRef,omitempty"`
	FailureReason    string          `json:"failureReason,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	ProcessedAt      *time.Time      `json:"processedAt,omitempty"`
}

type disputePayload struct {
	ID                     string          `json:"id"`
	ContractID             string          `json:"contractId"`
	MilestoneID            string          `json:"milestoneId,omitempty"`
	DisputedAmount         decimal.Decimal `json:"disputedAmount"`
	Status                 string          `json:"status"`
	OpenedBy               string          `json:"openedBy"`
	Reason                 string          `json:"reason,omitempty"`
	ProposedResolution     string          `json:"proposedResolution,omitempty"`
	ProposedRefund         decimal.Decimal `json:"proposedRefund"`
	ProposedPayout         decimal.Decimal `json:"proposedPayout"`
	ClientAccepted         bool            `json:"clientAccepted"`
	FreelancerAccepted     bool            `json:"freelancerAccepted"`
	Resolution             string          `json:"resolution,omitempty"`
	ClientRefundAmount     decimal.Decimal `json:"clientRefundAmount"`
	FreelancerPayoutAmount decimal.Decimal `json:"freelancerPayoutAmount"`
	ResolvedBy             string          `json:"resolvedBy,omitempty"`
	ResolutionNotes        string          `json:"resolutionNotes,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
	ResolvedAt             *time.Time      `json:"resolvedAt,omitempty"`
}

type milestonePayload struct {
	ID               string          `json:"id"`
	Amount           decimal.Decimal `json:"amount"`
	EscrowFunded     bool            `json:"escrowFunded"`
	EscrowFundedAt   *time.Time      `json:"escrowFundedAt,omitempty"`
	EscrowReleasedAt *time.Time      `json:"escrowReleasedAt,omitempty"`
}

type summaryPayload struct {
	Account            *accountPayload       `json:"account"`
	Milestones         []*milestonePayload   `json:"milestones"`
	OpenDispute        *disputePayload       `json:"openDispute,omitempty"`
	RecentTransactions []*transactionPayload `json:"recentTransactions"`
}

func accountToPayload(a *escrow.Account) *accountPayload {
	if a == nil {
		return nil
	}
	return &accountPayload{
		ContractID:       a.ContractID,
		Currency:         a.Currency,
		TotalFunded:      a.TotalFunded,
		TotalReleased:    a.TotalReleased,
		TotalRefunded:    a.TotalRefunded,
		CurrentBalance:   a.CurrentBalance(),
		AvailableBalance: a.AvailableBalance(),
		FrozenAmount:     a.FrozenAmount,
		Status:           string(a.Status),
		UpdatedAt:        a.UpdatedAt,
	}
}

func transactionToPayload(t *escrow.Transaction) *transactionPayload {
	if t == nil {
		return nil
	}
	return &transactionPayload{
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
		ProviderRef:      t.ProviderRef,
		FailureReason:    t.FailureReason,
		CreatedAt:        t.CreatedAt,
		ProcessedAt:      t.ProcessedAt,
	}
}

func disputeToPayload(d *escrow.Dispute) *disputePayload {
	if d == nil {
		return nil
	}
	return &disputePayload{
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
		ResolvedAt:             d.ResolvedAt,
	}
}

func milestoneToPayload(m *escrow.Milestone) *milestonePayload {
	if m == nil {
		return nil
	}
	return &milestonePayload{
		ID:               m.ID,
		Amount:           m.Amount,
		EscrowFunded:     m.EscrowFunded,
		EscrowFundedAt:   m.EscrowFundedAt,
		EscrowReleasedAt: m.EscrowReleasedAt,
	}
}

// ---------------------------------------------------------------------------
// Funding and releases

type fundRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	MilestoneID     string          `json:"milestoneId"`
	PaymentMethodID string          `json:"paymentMethodId"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeErrorMessage(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	start := time.Now()
	tx, err := s.engine.Fund(r.Context(), escrow.FundInput{
		ContractID:      chi.URLParam(r, "contractID"),
		MilestoneID:     req.MilestoneID,
		Amount:          req.Amount,
		PaymentMethodID: req.PaymentMethodID,
		IdempotencyKey:  middleware.IdempotencyKeyFromContext(r.Context()),
		InitiatedBy:     claims.Subject,
	})
	observeOp("fund", start, err)
	s.writeTransaction(w, tx, err)
}

type releaseRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	MilestoneID string          `json:"milestoneId"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeErrorMessage(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	start := time.Now()
	tx, err := s.engine.Release(r.Context(), escrow.ReleaseInput{
		ContractID:     chi.URLParam(r, "contractID"),
		MilestoneID:    req.MilestoneID,
		Amount:         req.Amount,
		IdempotencyKey: middleware.IdempotencyKeyFromContext(r.Context()),
		InitiatedBy:    claims.Subject,
	})
	observeOp("release", start, err)
	s.writeTransaction(w, tx, err)
}

type refundRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	MilestoneID string          `json:"milestoneId"`
	Reason      string          `json:"reason"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeErrorMessage(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	start := time.Now()
	tx, err := s.engine.Refund(r.Context(), escrow.RefundInput{
		ContractID:     chi.URLParam(r, "contractID"),
		MilestoneID:    req.MilestoneID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: middleware.IdempotencyKeyFromContext(r.Context()),
		InitiatedBy:    claims.Subject,
	})
	observeOp("refund", start, err)
	s.writeTransaction(w, tx, err)
}

// writeTransaction renders a ledger transaction or the mapped error. Parked
// transactions report 202 so callers know the outcome is still pending.
func (s *Server) writeTransaction(w http.ResponseWriter, tx *escrow.Transaction, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if tx.Status == escrow.TxRequiresCapture {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]interface{}{"transaction": transactionToPayload(tx)})
}

// ---------------------------------------------------------------------------
// Freezes

type freezeRequest struct {
	DisputeID string          `json:"disputeId"`
	Amount    decimal.Decimal `json:"amount"`
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, err := s.engine.Freeze(r.Context(), escrow.FreezeInput{
		ContractID: chi.URLParam(r, "contractID"),
		DisputeID:  req.DisputeID,
		Amount:     req.Amount,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": accountToPayload(account)})
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, err := s.engine.Unfreeze(r.Context(), escrow.UnfreezeInput{
		ContractID: chi.URLParam(r, "contractID"),
		DisputeID:  req.DisputeID,
		Amount:     req.Amount,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": accountToPayload(account)})
}

func (s *Server) handleCloseAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.engine.Close(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": accountToPayload(account)})
}

// ---------------------------------------------------------------------------
// Reads

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Summary(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload := &summaryPayload{
		Account:            accountToPayload(summary.Account),
		OpenDispute:        disputeToPayload(summary.OpenDispute),
		Milestones:         make([]*milestonePayload, 0, len(summary.Milestones)),
		RecentTransactions: make([]*transactionPayload, 0, len(summary.RecentTransactions)),
	}
	for _, m := range summary.Milestones {
		payload.Milestones = append(payload.Milestones, milestoneToPayload(m))
	}
	for _, tx := range summary.RecentTransactions {
		payload.RecentTransactions = append(payload.RecentTransactions, transactionToPayload(tx))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.engine.Transactions(r.Context(), chi.URLParam(r, "contractID"), 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payloads := make([]*transactionPayload, 0, len(txs))
	for _, tx := range txs {
		payloads = append(payloads, transactionToPayload(tx))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": payloads})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	counts := make(map[string]int64, len(stats.Counts))
	for t, n := range stats.Counts {
		counts[string(t)] = n
	}
	totals := make(map[string]decimal.Decimal, len(stats.Totals))
	for t, total := range stats.Totals {
		totals[string(t)] = total
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contractId": stats.ContractID,
		"counts":     counts,
		"totals":     totals,
	})
}

// handleFeeQuote previews the fee breakdown for a prospective fund amount.
func (s *Server) handleFeeQuote(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "ESCROW_INVALID_INPUT", "amount query parameter required")
		return
	}
	calc, err := s.engine.QuoteFees(r.Context(), chi.URLParam(r, "contractID"), amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"grossAmount":      calc.Gross,
		"platformFee":      calc.PlatformFee,
		"secureModeAmount": calc.SecureModeAmount,
		"processingFee":    calc.ProcessingFee,
		"netAmount":        calc.NetAmount,
		"totalCharge":      calc.TotalCharge,
	})
}

// ---------------------------------------------------------------------------
// Disputes

type openDisputeRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	MilestoneID string          `json:"milestoneId"`
	Reason      string          `json:"reason"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req openDisputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeErrorMessage(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	dispute, err := s.engine.OpenDispute(r.Context(), escrow.OpenDisputeInput{
		ContractID:  chi.URLParam(r, "contractID"),
		MilestoneID: req.MilestoneID,
		Amount:      req.Amount,
		OpenedBy:    claims.Subject,
		Reason:      req.Reason,
	})
	observability.Ledger().RecordDisputeAction("open")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"dispute": disputeToPayload(dispute)})
}

type resolveDisputeRequest struct {
	Resolution       string          `json:"resolution"`
	ClientRefund     decimal.Decimal `json:"clientRefund"`
	FreelancerPayout decimal.Decimal `json:"freelancerPayout"`
	Notes            string          `json:"notes"`
}

// handleResolveDispute settles the contract's open dispute with the
// mediator's verdict.
func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeErrorMessage(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	open, err := s.engine.OpenDisputeFor(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	start := time.Now()
	dispute, err := s.engine.ResolveDispute(r.Context(), escrow.ResolveDisputeInput{
		DisputeID:        open.ID,
		Resolution:       escrow.Resolution(req.Resolution),
		ClientRefund:     req.ClientRefund,
		FreelancerPayout: req.FreelancerPayout,
		ResolvedBy:       claims.Subject,
		Notes:            req.Notes,
	})
	observeOp("resolve_dispute", start, err)
	observability.Ledger().RecordDisputeAction("resolve")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dispute": disputeToPayload(dispute)})
}

func (s *Server) handleRespondDispute(w http.ResponseWriter, r *http.Request) {
	dispute, err := s.engine.RespondDispute(r.Context(), chi.URLParam(r, "disputeID"))
	s.writeDispute(w, dispute, err)
}

func (s *Server) handleReviewDispute(w http.ResponseWriter, r *http.Request) {
	dispute, err := s.engine.StartReview(r.Context(), chi.URLParam(r, "disputeID"))
	s.writeDispute(w, dispute, err)
}

func (s *Server) handleEscalateDispute(w http.ResponseWriter, r *http.Request) {
	dispute, err := s.engine.EscalateDispute(r.Context(), chi.URLParam(r, "disputeID"))
	s.writeDispute(w, dispute, err)
}

type proposalRequest struct {
	Resolution       string          `json:"resolution"`
	ClientRefund     decimal.Decimal `json:"clientRefund"`
	FreelancerPayout decimal.Decimal `json:"freelancerPayout"`
}

func (s *Server) handleProposeResolution(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	party, ok := disputeParty(r)
	if !ok {
		writeErrorMessage(w, http.StatusForbidden, "FORBIDDEN", "only contract parties may propose")
		return
	}
	dispute, err := s.engine.ProposeResolution(r.Context(), escrow.ProposeResolutionInput{
		DisputeID:        chi.URLParam(r, "disputeID"),
		Resolution:       escrow.Resolution(req.Resolution),
		ClientRefund:     req.ClientRefund,
		FreelancerPayout: req.FreelancerPayout,
		ProposedBy:       party,
	})
	s.writeDispute(w, dispute, err)
}

func (s *Server) handleAcceptResolution(w http.ResponseWriter, r *http.Request) {
	party, ok := disputeParty(r)
	if !ok {
		writeErrorMessage(w, http.StatusForbidden, "FORBIDDEN", "only contract parties may accept")
		return
	}
	dispute, err := s.engine.AcceptResolution(r.Context(), chi.URLParam(r, "disputeID"), party)
	s.writeDispute(w, dispute, err)
}

type closeDisputeRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleCloseDispute(w http.ResponseWriter, r *http.Request) {
	var req closeDisputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeErrorMessage(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	dispute, err := s.engine.CloseDispute(r.Context(), chi.URLParam(r, "disputeID"), claims.Subject, req.Notes)
	s.writeDispute(w, dispute, err)
}

func (s *Server) writeDispute(w http.ResponseWriter, dispute *escrow.Dispute, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dispute": disputeToPayload(dispute)})
}

// disputeParty maps the caller's marketplace role onto a dispute side.
// Mediators and admins act on disputes through dedicated verbs, not as a
// party.
func disputeParty(r *http.Request) (escrow.DisputeParty, bool) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		return "", false
	}
	switch claims.Role {
	case auth.RoleClient:
		return escrow.PartyClient, true
	case auth.RoleFreelancer:
		return escrow.PartyFreelancer, true
	default:
		return "", false
	}
}

// ---------------------------------------------------------------------------
// Encoding helpers

type errorPayload struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "ESCROW_INVALID_INPUT", "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorPayload{Error: errorBody{Code: code, Message: message}})
}

// writeError translates ledger errors into HTTP statuses with stable codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escrow.ErrInvalidInput) || errors.Is(err, escrow.ErrAmountNotPositive):
		status = http.StatusBadRequest
	case errors.Is(err, escrow.ErrAccountNotFound) || errors.Is(err, escrow.ErrTransactionNotFound) ||
		errors.Is(err, escrow.ErrDisputeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrInsufficientAvailable) || errors.Is(err, escrow.ErrFreezeExceedsBalance) ||
		errors.Is(err, escrow.ErrFrozenUnderflow) || errors.Is(err, escrow.ErrBalanceNotZero) ||
		errors.Is(err, escrow.ErrAccountClosed) || errors.Is(err, escrow.ErrIdempotencyMismatch) ||
		errors.Is(err, escrow.ErrTransactionTerminal) || errors.Is(err, escrow.ErrDisputeClosed) ||
		errors.Is(err, escrow.ErrDisputeAlreadyOpen) || errors.Is(err, escrow.ErrDisputeTransition) ||
		errors.Is(err, escrow.ErrNoProposal) || errors.Is(err, escrow.ErrSplitExceedsClaim) ||
		errors.Is(err, escrow.ErrSplitMismatch) || errors.Is(err, escrow.ErrVersionConflict) ||
		errors.Is(err, escrow.ErrPendingSettlement):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrGatewayDeclined):
		status = http.StatusPaymentRequired
	case errors.Is(err, escrow.ErrGatewayUnavailable):
		status = http.StatusBadGateway
	}
	if escrow.Fatal(err) {
		status = http.StatusInternalServerError
		s.logger.Error("ledger consistency failure", "error", err)
	}
	writeErrorMessage(w, status, escrow.Code(err), err.Error())
}
