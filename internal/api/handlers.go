package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"reward-distributor/internal/claim"
	"reward-distributor/internal/domain"
	"reward-distributor/internal/idhash"
	"reward-distributor/internal/observability"
	"reward-distributor/internal/ratelimit"
)

const (
	defaultRecentClaims = 20
	maxRecentClaims     = 100
	statsDays           = 7
)

type cycleView struct {
	CycleID          int64  `json:"cycleId"`
	Start            int64  `json:"start"`
	End              int64  `json:"end"`
	PrepDeadline     int64  `json:"prepDeadline"`
	SnapshotDeadline int64  `json:"snapshotDeadline"`
	GraceDeadline    int64  `json:"graceDeadline"`
	Phase            string `json:"phase"`
}

type holderView struct {
	Wallet  string `json:"wallet"`
	Balance string `json:"balance"` // raw holder-token units
}

type snapshotView struct {
	CycleID              int64        `json:"cycleId"`
	Timestamp            int64        `json:"timestamp"`
	AcquiredReward       string       `json:"acquiredReward"`
	AllocatedReward      string       `json:"allocatedReward"`
	EligibleHolderCount  int          `json:"eligibleHolderCount"`
	TotalEligibleBalance string       `json:"totalEligibleBalance"`
	HoldersHash          string       `json:"holdersHash"`
	EntitlementsWritten  bool         `json:"entitlementsWritten"`
	Holders              []holderView `json:"holders,omitempty"`
	HashVerified         *bool        `json:"hashVerified,omitempty"`
}

type windowResponse struct {
	Status   string        `json:"status"`
	CycleID  int64         `json:"cycleId"`
	Window   cycleView     `json:"window"`
	EtaMs    int64         `json:"etaMs,omitempty"`
	Note     string        `json:"note,omitempty"`
	Snapshot *snapshotView `json:"snapshot,omitempty"`
}

type prepareRequest struct {
	CycleID int64 `json:"cycleId"`
}

type prepView struct {
	CycleID           int64  `json:"cycleId"`
	Status            string `json:"status"`
	AcquiredReward    string `json:"acquiredReward"`
	CollectedLamports uint64 `json:"collectedLamports"`
	TreasuryLamports  uint64 `json:"treasuryLamports"`
	SwapInLamports    uint64 `json:"swapInLamports"`
	SlippageBps       uint16 `json:"slippageBps,omitempty"`
	CollectSignature  string `json:"collectSignature,omitempty"`
	TransferSignature string `json:"transferSignature,omitempty"`
	SwapSignature     string `json:"swapSignature,omitempty"`
	Note              string `json:"note,omitempty"`
	StartedAt         int64  `json:"startedAt"`
	FinishedAt        int64  `json:"finishedAt,omitempty"`
}

type prepareResponse struct {
	Step string    `json:"step"`
	Prep *prepView `json:"prep,omitempty"`
}

type previewRequest struct {
	Wallet string `json:"wallet"`
}

type previewResponse struct {
	Wallet              string  `json:"wallet,omitempty"`
	Amount              string  `json:"amount"`
	Unclaimed           string  `json:"unclaimed,omitempty"`
	Fee                 uint64  `json:"fee,omitempty"` // lamports
	UnsignedTransaction string  `json:"unsignedTransaction,omitempty"`
	BoundSnapshotIDs    []int64 `json:"boundSnapshotIds,omitempty"`
	PreviewID           string  `json:"previewId,omitempty"`
	Note                string  `json:"note,omitempty"`
}

type submitRequest struct {
	Wallet            string  `json:"wallet"`
	SignedTransaction string  `json:"signedTransaction"`
	SnapshotIDs       []int64 `json:"snapshotIds"`
	AmountHint        string  `json:"amountHint"`
	PreviewID         string  `json:"previewId"`
}

type submitResponse struct {
	Signature    string  `json:"signature"`
	Amount       string  `json:"amount"`
	Entitled     string  `json:"entitled"`
	SnapshotIDs  []int64 `json:"snapshotIds"`
	Confirmation string  `json:"confirmation"`
}

type entitlementsResponse struct {
	Wallet    string `json:"wallet"`
	Entitled  string `json:"entitled"`
	Claimed   string `json:"claimed"`
	Unclaimed string `json:"unclaimed"`
}

type claimView struct {
	Signature   string  `json:"signature"`
	Wallet      string  `json:"wallet"`
	Amount      string  `json:"amount"`
	Entitled    string  `json:"entitled"`
	SnapshotIDs []int64 `json:"snapshotIds"`
	Timestamp   int64   `json:"timestamp"`
}

type dayView struct {
	Day    string `json:"day"`
	Claims int    `json:"claims"`
	Amount string `json:"amount"`
}

type statsResponse struct {
	DistributedTotal string    `json:"distributedTotal"`
	Unit             string    `json:"unit"`
	Decimals         uint8     `json:"decimals"`
	Current          cycleView `json:"current"`
	Daily            []dayView `json:"daily,omitempty"`
}

func (s *Server) amount(a domain.Amount) string {
	return a.Format(s.cfg.Unit, s.cfg.Decimals)
}

func (s *Server) viewCycle(c domain.Cycle, nowMs int64) cycleView {
	return cycleView{
		CycleID:          c.ID,
		Start:            c.Start,
		End:              c.End,
		PrepDeadline:     c.PrepDeadline,
		SnapshotDeadline: c.SnapshotDeadline,
		GraceDeadline:    c.GraceDeadline,
		Phase:            string(c.PhaseAt(nowMs)),
	}
}

func (s *Server) viewSnapshot(snap *domain.Snapshot, withHolders bool) *snapshotView {
	v := &snapshotView{
		CycleID:              snap.CycleID,
		Timestamp:            snap.Timestamp,
		AcquiredReward:       s.amount(snap.AcquiredReward),
		AllocatedReward:      s.amount(snap.AllocatedReward),
		EligibleHolderCount:  snap.EligibleHolderCount,
		TotalEligibleBalance: strconv.FormatUint(snap.TotalEligibleBalance, 10),
		HoldersHash:          snap.HoldersHash,
		EntitlementsWritten:  snap.EntitlementsWritten,
	}
	if withHolders {
		v.Holders = make([]holderView, len(snap.Holders))
		for i, h := range snap.Holders {
			v.Holders[i] = holderView{Wallet: h.Wallet, Balance: strconv.FormatUint(h.Balance, 10)}
		}
		ok := idhash.ComputeHoldersHash(snap.CycleID, snap.Holders) == snap.HoldersHash
		v.HashVerified = &ok
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWindow reports the cycle that is currently snapshotting, or the
// current one, and takes its snapshot when due.
func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	nowMs := now.UnixMilli()

	target := s.cfg.Schedule.For(now)
	if prev := s.cfg.Schedule.Previous(target); prev.InGrace(nowMs) {
		target = prev
	}

	res, err := s.cfg.Snapshots.RunSnapshot(r.Context(), target.ID, now)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := windowResponse{
		Status:  string(res.Status),
		CycleID: target.ID,
		Window:  s.viewCycle(target, nowMs),
		EtaMs:   res.EtaMs,
		Note:    res.Note,
	}
	if res.Snapshot != nil {
		resp.Snapshot = s.viewSnapshot(res.Snapshot, false)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.CycleID == 0 {
		req.CycleID = s.cfg.Schedule.For(s.clock.Now()).ID
	}
	if !s.cfg.Schedule.IsBoundary(req.CycleID) {
		s.writeError(w, r, domain.Validationf("invalid_cycle", "cycle id %d is not a window boundary", req.CycleID))
		return
	}

	res, err := s.cfg.Prep.RunPrepare(r.Context(), req.CycleID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := prepareResponse{Step: string(res.Step)}
	if p := res.Prep; p != nil {
		resp.Prep = &prepView{
			CycleID:           p.CycleID,
			Status:            string(p.Status),
			AcquiredReward:    s.amount(p.AcquiredReward),
			CollectedLamports: p.CollectedLamports,
			TreasuryLamports:  p.TreasuryLamports,
			SwapInLamports:    p.SwapInLamports,
			SlippageBps:       p.SlippageBps,
			CollectSignature:  p.CollectSignature,
			TransferSignature: p.TransferSignature,
			SwapSignature:     p.SwapSignature,
			Note:              p.Note,
			StartedAt:         p.StartedAt,
			FinishedAt:        p.FinishedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// allowWallet applies a per-wallet limiter. It writes the 429 itself.
func (s *Server) allowWallet(w http.ResponseWriter, l *ratelimit.Limiter, wallet string) bool {
	if l == nil {
		return true
	}
	ok, retry := l.AllowWithRetry(strings.TrimSpace(wallet))
	if !ok {
		observability.RecordRateLimited(l.Scope())
		ratelimit.WriteLimited(w, retry.Seconds())
	}
	return ok
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allowWallet(w, s.cfg.PreviewLimiter, req.Wallet) {
		return
	}

	res, err := s.cfg.Claims.Preview(r.Context(), req.Wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if res.Amount == 0 {
		writeJSON(w, http.StatusOK, previewResponse{Amount: s.amount(0), Note: res.Note})
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Wallet:              res.Wallet,
		Amount:              s.amount(res.Amount),
		Unclaimed:           s.amount(res.Unclaimed),
		Fee:                 res.FeeLamports,
		UnsignedTransaction: res.UnsignedTransaction,
		BoundSnapshotIDs:    res.SnapshotIDs,
		PreviewID:           res.PreviewID,
		Note:                res.Note,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allowWallet(w, s.cfg.SubmitLimiter, req.Wallet) {
		return
	}
	if req.SignedTransaction == "" {
		s.writeError(w, r, domain.Validationf("invalid_transaction", "signedTransaction is required"))
		return
	}

	var hint domain.Amount
	if req.AmountHint != "" {
		h, err := domain.ParseAmount(req.AmountHint, s.cfg.Unit, s.cfg.Decimals)
		if err != nil {
			s.writeError(w, r, domain.Validationf("invalid_amount_hint", "amountHint: %v", err))
			return
		}
		hint = h
	}

	res, err := s.cfg.Claims.Submit(r.Context(), claim.SubmitRequest{
		Wallet:            req.Wallet,
		SignedTransaction: req.SignedTransaction,
		SnapshotIDs:       req.SnapshotIDs,
		AmountHint:        hint,
		PreviewID:         req.PreviewID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		Signature:    res.Signature,
		Amount:       s.amount(res.Amount),
		Entitled:     s.amount(res.Entitled),
		SnapshotIDs:  res.SnapshotIDs,
		Confirmation: res.Confirmation.String(),
	})
}

func (s *Server) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	wallet, err := domain.NormalizeWallet(chi.URLParam(r, "wallet"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.cfg.Ledger.Summary(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, domain.Transient("store_unavailable", err))
		return
	}
	writeJSON(w, http.StatusOK, entitlementsResponse{
		Wallet:    wallet,
		Entitled:  s.amount(sum.Entitled),
		Claimed:   s.amount(sum.Claimed),
		Unclaimed: s.amount(sum.Unclaimed),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "cycleId"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, domain.Validationf("invalid_cycle", "cycleId must be a positive integer"))
		return
	}
	snap, err := s.cfg.Snapshots.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no snapshot for this cycle", Code: "snapshot_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, s.viewSnapshot(snap, true))
}

func (s *Server) handleRecentClaims(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentClaims
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, domain.Validationf("invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = min(n, maxRecentClaims)
	}

	records, err := s.cfg.History.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, domain.Transient("store_unavailable", err))
		return
	}
	out := make([]claimView, len(records))
	for i, rec := range records {
		out[i] = claimView{
			Signature:   rec.Signature,
			Wallet:      rec.Wallet,
			Amount:      s.amount(rec.Amount),
			Entitled:    s.amount(rec.Entitled),
			SnapshotIDs: rec.SnapshotIDs,
			Timestamp:   rec.Timestamp,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": out})
}

// handleStats degrades to partial data when the archive is unavailable.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.cfg.Ledger.RunningTotal(r.Context())
	if err != nil {
		s.writeError(w, r, domain.Transient("store_unavailable", err))
		return
	}

	now := s.clock.Now()
	resp := statsResponse{
		DistributedTotal: s.amount(total),
		Unit:             string(s.cfg.Unit),
		Decimals:         s.cfg.Decimals,
		Current:          s.viewCycle(s.cfg.Schedule.For(now), now.UnixMilli()),
	}

	if s.cfg.Archive != nil {
		days, err := s.cfg.Archive.DailyClaimTotals(r.Context(), statsDays)
		if err != nil {
			s.log.Warn("api: daily totals unavailable", "error", err)
		}
		for _, d := range days {
			resp.Daily = append(resp.Daily, dayView{Day: d.Day, Claims: d.Claims, Amount: s.amount(d.Amount)})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
