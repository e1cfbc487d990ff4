package handler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/lifecycle"
)

// Lifecycle defines the orchestrator operations the market handler
// requires. It is declared locally so tests can substitute the engine.
type Lifecycle interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (domain.Market, error)
	Get(ctx context.Context, ref lifecycle.Ref) (domain.Market, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Deploy(ctx context.Context, ref lifecycle.Ref) (domain.Market, error)
	Score(ctx context.Context, ref lifecycle.Ref) (domain.Market, error)
	Allocate(ctx context.Context, ref lifecycle.Ref) (lifecycle.AllocateResult, error)
	Settle(ctx context.Context, ref lifecycle.Ref, side domain.Side) (lifecycle.SettleResult, error)
	VerifyCommitment(ctx context.Context, ref lifecycle.Ref) (lifecycle.CommitmentReport, error)
	History(ctx context.Context, ref lifecycle.Ref, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

var _ Lifecycle = (*lifecycle.Engine)(nil)

// MarketHandler serves the market lifecycle endpoints.
type MarketHandler struct {
	engine Lifecycle
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given engine and logger.
func NewMarketHandler(engine Lifecycle, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		engine: engine,
		logger: logger.With(slog.String("handler", "market")),
	}
}

// marketView is the API form of a market: the record plus its canonical id
// and derived lifecycle state.
type marketView struct {
	ID string `json:"id"`
	domain.Market
	State domain.LifecycleState `json:"state"`
}

func viewOf(m domain.Market) marketView {
	return marketView{ID: m.CanonicalID().String(), Market: m, State: m.State()}
}

type listMarketsResponse struct {
	Markets []marketView `json:"markets"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// termsBody carries the optional raw terms a caller may send instead of a
// known identifier.
type termsBody struct {
	EventID        string `json:"eventId,omitempty"`
	Description    string `json:"description,omitempty"`
	CloseTimestamp int64  `json:"closeTimestamp,omitempty"`
	CreatorAddress string `json:"creatorAddress,omitempty"`
	ChainID        int64  `json:"chainId,omitempty"`
}

func (t termsBody) terms() (*domain.Terms, error) {
	if t.EventID == "" && t.Description == "" && t.CloseTimestamp == 0 {
		return nil, nil
	}
	out := &domain.Terms{
		EventID:        t.EventID,
		Description:    t.Description,
		CloseTimestamp: t.CloseTimestamp,
		ChainID:        t.ChainID,
	}
	if t.CreatorAddress != "" {
		if !common.IsHexAddress(t.CreatorAddress) {
			return nil, fmt.Errorf("%w: 'creatorAddress' must be a hex address", domain.ErrValidation)
		}
		out.CreatorAddress = common.HexToAddress(t.CreatorAddress)
	}
	return out, nil
}

type settleBody struct {
	termsBody
	WinningSide *int `json:"winningSide"`
}

// ListMarkets returns markets newest first.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.engine.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list markets", err)
		return
	}

	views := make([]marketView, len(markets))
	for i, m := range markets {
		views[i] = viewOf(m)
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: views,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// CreateMarket records new market terms.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "create market", err)
		return
	}
	m, err := h.engine.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(m))
}

// GetMarket returns a single market by either identifier.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Get(r.Context(), lifecycle.Ref{ID: r.PathValue("id")})
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

// DeployMarket creates the market on the ledger.
// POST /api/markets/{id}/deploy
func (h *MarketHandler) DeployMarket(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r, "deploy market")
	if !ok {
		return
	}
	m, err := h.engine.Deploy(r.Context(), ref)
	if err != nil {
		writeDomainError(w, r, h.logger, "deploy market", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

// ScoreMarket computes and commits the probability score.
// POST /api/markets/{id}/score
func (h *MarketHandler) ScoreMarket(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r, "score market")
	if !ok {
		return
	}
	m, err := h.engine.Score(r.Context(), ref)
	if err != nil {
		writeDomainError(w, r, h.logger, "score market", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

type allocateResponse struct {
	Market     marketView `json:"market"`
	Balance    *big.Int   `json:"balance"`
	YesAmount  *big.Int   `json:"yesAmount"`
	NoAmount   *big.Int   `json:"noAmount"`
	YesDisplay string     `json:"yesDisplay"`
	NoDisplay  string     `json:"noDisplay"`
}

// AllocateMarket splits the vault balance by the committed probability.
// POST /api/markets/{id}/allocate
func (h *MarketHandler) AllocateMarket(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r, "allocate market")
	if !ok {
		return
	}
	res, err := h.engine.Allocate(r.Context(), ref)
	if err != nil {
		writeDomainError(w, r, h.logger, "allocate market", err)
		return
	}
	writeJSON(w, http.StatusOK, allocateResponse{
		Market:     viewOf(res.Market),
		Balance:    res.Balance,
		YesAmount:  res.YesAmount,
		NoAmount:   res.NoAmount,
		YesDisplay: res.YesDisplay,
		NoDisplay:  res.NoDisplay,
	})
}

type settleResponse struct {
	Market         marketView   `json:"market"`
	WinningSide    domain.Side  `json:"winningSide"`
	Outcome        string       `json:"outcome"`
	AlreadySettled bool         `json:"alreadySettled"`
	TxHash         *common.Hash `json:"txHash,omitempty"`
}

// SettleMarket pushes the outcome. Repeated calls return the recorded
// outcome with alreadySettled set.
// POST /api/markets/{id}/settle {"winningSide":0|1}
func (h *MarketHandler) SettleMarket(w http.ResponseWriter, r *http.Request) {
	var body settleBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, r, h.logger, "settle market", err)
		return
	}
	if body.WinningSide == nil {
		writeError(w, http.StatusBadRequest, domain.KindValidation, "'winningSide' is required")
		return
	}
	if *body.WinningSide != 0 && *body.WinningSide != 1 {
		writeError(w, http.StatusBadRequest, domain.KindValidation, "'winningSide' must be 0 (NO) or 1 (YES)")
		return
	}
	terms, err := body.terms()
	if err != nil {
		writeDomainError(w, r, h.logger, "settle market", err)
		return
	}

	res, err := h.engine.Settle(r.Context(), lifecycle.Ref{ID: r.PathValue("id"), Terms: terms}, domain.Side(*body.WinningSide))
	if err != nil {
		writeDomainError(w, r, h.logger, "settle market", err)
		return
	}
	out := settleResponse{
		Market:         viewOf(res.Market),
		WinningSide:    res.WinningSide,
		Outcome:        res.WinningSide.String(),
		AlreadySettled: res.AlreadySettled,
	}
	if res.TxHash != (common.Hash{}) {
		tx := res.TxHash
		out.TxHash = &tx
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCommitment reports whether the stored, recomputed and on-chain
// commitment hashes agree.
// GET /api/markets/{id}/commitment
func (h *MarketHandler) GetCommitment(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.VerifyCommitment(r.Context(), lifecycle.Ref{ID: r.PathValue("id")})
	if err != nil {
		writeDomainError(w, r, h.logger, "verify commitment", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type historyResponse struct {
	MarketID string              `json:"marketId"`
	Entries  []domain.AuditEntry `json:"entries"`
	Limit    int                 `json:"limit"`
	Offset   int                 `json:"offset"`
}

// GetHistory returns the market's audit trail, oldest first.
// GET /api/markets/{id}/history?limit=50&offset=0
func (h *MarketHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	ref := lifecycle.Ref{ID: r.PathValue("id")}

	m, err := h.engine.Get(r.Context(), ref)
	if err != nil {
		writeDomainError(w, r, h.logger, "market history", err)
		return
	}
	entries, err := h.engine.History(r.Context(), ref, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "market history", err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		MarketID: m.CanonicalID().String(),
		Entries:  entries,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

// ref builds the market reference from the path id and optional body terms.
func (h *MarketHandler) ref(w http.ResponseWriter, r *http.Request, op string) (lifecycle.Ref, bool) {
	var body termsBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return lifecycle.Ref{}, false
	}
	terms, err := body.terms()
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return lifecycle.Ref{}, false
	}
	return lifecycle.Ref{ID: r.PathValue("id"), Terms: terms}, true
}
