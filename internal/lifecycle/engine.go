// Package lifecycle drives a market through create, deploy, score, allocate
// and settle, keeping the off-chain record consistent with the ledger.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/ledger"
)

// Ledger is the chain surface the engine depends on. *ledger.Gateway
// implements it; tests use ledgertest.Fake.
type Ledger interface {
	ChainID() int64
	From() common.Address

	CreateMarket(ctx context.Context, eventID, description string, closeTimestamp int64) (ledger.Tx, error)
	DecodeMarketCreated(receipt *types.Receipt) (ledger.MarketCreated, error)
	CommitScore(ctx context.Context, onChainID, commitment common.Hash) (ledger.Tx, error)
	GetCommitment(ctx context.Context, onChainID common.Hash) (common.Hash, error)
	Allocate(ctx context.Context, vault common.Address, yes, no *big.Int) (ledger.Tx, error)
	Settle(ctx context.Context, onChainID common.Hash, side domain.Side) (ledger.Tx, error)

	VaultBalance(ctx context.Context, vault common.Address) (*big.Int, error)
	VaultState(ctx context.Context, vault common.Address) (domain.VaultState, error)
	WinningSide(ctx context.Context, vault common.Address) (domain.Side, error)

	AwaitReceipt(ctx context.Context, tx ledger.Tx) (*types.Receipt, error)
	PollReceipt(ctx context.Context, tx ledger.Tx) (*types.Receipt, bool, error)
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event)
}

// Alerter forwards operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SignatureVerifier reports whether sig is addr's signature over message.
type SignatureVerifier func(addr common.Address, message string, sig []byte) bool

// Config holds the market rules.
type Config struct {
	MaxEventIDLen     int
	MaxDescriptionLen int
	CloseHorizon      time.Duration
	RequireSignature  bool
	TokenDecimals     int32
	LockTTL           time.Duration
	LockWait          time.Duration
	// DropAfterPolls is how many consecutive polls may find a pending
	// transaction unknown to the node before it is cleared.
	DropAfterPolls int
}

// DefaultConfig returns the production market rules.
func DefaultConfig() Config {
	return Config{
		MaxEventIDLen:     128,
		MaxDescriptionLen: 500,
		CloseHorizon:      365 * 24 * time.Hour,
		TokenDecimals:     6,
		LockTTL:           5 * time.Minute,
		LockWait:          30 * time.Second,
		DropAfterPolls:    3,
	}
}

// Deps are the engine's collaborators. Store, Ledger and Publisher are
// required; the rest are optional.
type Deps struct {
	Store     domain.MarketStore
	Audit     domain.AuditStore
	Cache     domain.MarketCache
	Locks     domain.LockManager
	Ledger    Ledger
	Publisher Publisher
	Alerter   Alerter
	Verifier  SignatureVerifier
	Now       func() time.Time
	Logger    *slog.Logger
}

// Engine is the lifecycle orchestrator.
type Engine struct {
	store     domain.MarketStore
	audit     domain.AuditStore
	cache     domain.MarketCache
	dlocks    domain.LockManager
	ledger    Ledger
	publisher Publisher
	alerter   Alerter
	verify    SignatureVerifier
	now       func() time.Time
	logger    *slog.Logger

	cfg      Config
	validate *validator.Validate
	locks    *keyedMutex
	flight   singleflight.Group
}

// New builds an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Ledger == nil || deps.Publisher == nil {
		return nil, errors.New("lifecycle: store, ledger and publisher are required")
	}
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxEventIDLen <= 0 {
		cfg.MaxEventIDLen = def.MaxEventIDLen
	}
	if cfg.MaxDescriptionLen <= 0 {
		cfg.MaxDescriptionLen = def.MaxDescriptionLen
	}
	if cfg.CloseHorizon <= 0 {
		cfg.CloseHorizon = def.CloseHorizon
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = def.LockWait
	}
	if cfg.DropAfterPolls <= 0 {
		cfg.DropAfterPolls = def.DropAfterPolls
	}

	return &Engine{
		store:     deps.Store,
		audit:     deps.Audit,
		cache:     deps.Cache,
		dlocks:    deps.Locks,
		ledger:    deps.Ledger,
		publisher: deps.Publisher,
		alerter:   deps.Alerter,
		verify:    deps.Verifier,
		now:       deps.Now,
		logger:    deps.Logger.With(slog.String("component", "lifecycle")),
		cfg:       cfg,
		validate:  v,
		locks:     newKeyedMutex(),
	}, nil
}

// lockMarket serializes lifecycle operations on one market, in process and,
// when a LockManager is configured, across instances.
func (e *Engine) lockMarket(ctx context.Context, id common.Hash) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LockWait)
	defer cancel()

	unlockLocal, err := e.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: lock %s: %w", domain.CanonicalHex(id), err)
	}
	if e.dlocks == nil {
		return unlockLocal, nil
	}

	key := "market:" + domain.CanonicalHex(id)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		unlockRemote, err := e.dlocks.Acquire(ctx, key, e.cfg.LockTTL)
		if err == nil {
			return func() {
				unlockRemote()
				unlockLocal()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			unlockLocal()
			return nil, fmt.Errorf("lifecycle: lock %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, fmt.Errorf("lifecycle: lock %s: %w", key, domain.ErrLockHeld)
		case <-ticker.C:
		}
	}
}

// acquire resolves ref, takes the market lock and returns the freshest
// stored record with any outstanding transaction reconciled.
func (e *Engine) acquire(ctx context.Context, ref Ref) (domain.Market, func(), error) {
	m, err := e.Resolve(ctx, ref)
	if err != nil {
		return domain.Market{}, nil, err
	}
	unlock, err := e.lockMarket(ctx, m.PreDeployID)
	if err != nil {
		return domain.Market{}, nil, err
	}
	m, err = e.store.Get(ctx, m.PreDeployID)
	if err != nil {
		unlock()
		return domain.Market{}, nil, fmt.Errorf("lifecycle: reload: %w", err)
	}
	return m, unlock, nil
}

// save persists m and refreshes the read cache.
func (e *Engine) save(ctx context.Context, m domain.Market) (domain.Market, error) {
	updated, err := e.store.Update(ctx, m)
	if err != nil {
		return domain.Market{}, fmt.Errorf("lifecycle: save %s: %w", domain.CanonicalHex(m.PreDeployID), err)
	}
	e.cacheSet(ctx, updated)
	return updated, nil
}

func (e *Engine) cacheSet(ctx context.Context, m domain.Market) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, m); err != nil {
		e.logger.WarnContext(ctx, "cache set failed",
			slog.String("market_id", m.CanonicalID().String()),
			slog.String("error", err.Error()),
		)
	}
}

// emit publishes a lifecycle event and appends it to the audit log.
func (e *Engine) emit(ctx context.Context, typ domain.EventType, m domain.Market, detail map[string]any) {
	snap := m.Clone()
	e.publisher.Publish(ctx, domain.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		MarketID:  m.CanonicalID().String(),
		Market:    &snap,
		Timestamp: e.now().UTC(),
	})

	if e.audit == nil {
		return
	}
	if detail == nil {
		detail = make(map[string]any)
	}
	detail["market_id"] = m.CanonicalID().String()
	detail[domain.AuditMarketKey] = domain.CanonicalHex(m.PreDeployID)
	detail["state"] = m.State().String()
	if err := e.audit.Log(ctx, string(typ), detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

// alert notifies operators of a ledger-fatal outcome. Delivery failures are
// logged only.
func (e *Engine) alert(ctx context.Context, event string, m domain.Market, cause error) {
	e.logger.ErrorContext(ctx, "ledger fatal",
		slog.String("event", event),
		slog.String("market_id", m.CanonicalID().String()),
		slog.String("pre_deploy_id", domain.CanonicalHex(m.PreDeployID)),
		slog.String("error", cause.Error()),
	)
	if e.alerter == nil {
		return
	}
	title := fmt.Sprintf("OracleX %s", event)
	msg := fmt.Sprintf("market %s (%s)\n%v", m.CanonicalID(), m.EventID, cause)
	if err := e.alerter.Notify(context.WithoutCancel(ctx), event, title, msg); err != nil {
		e.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
	}
}

// recordFailure persists a ledger-fatal error against the market and
// returns cause.
func (e *Engine) recordFailure(ctx context.Context, m domain.Market, op string, cause error) (domain.Market, error) {
	ctx = context.WithoutCancel(ctx)
	m.LastError = fmt.Sprintf("%s: %v", op, cause)
	if op == "deploy" {
		m.DeployError = cause.Error()
	}
	saved, err := e.save(ctx, m)
	if err != nil {
		e.logger.ErrorContext(ctx, "persist failure failed",
			slog.String("op", op),
			slog.String("market_id", m.CanonicalID().String()),
			slog.String("error", err.Error()),
		)
		saved = m
	}
	e.alert(ctx, "ledger_fatal", saved, cause)
	return saved, cause
}

// markPending records a submitted transaction whose receipt did not arrive
// in time. The returned error is always ledger_pending.
func (e *Engine) markPending(ctx context.Context, m domain.Market, p domain.PendingTx, cause error) (domain.Market, error) {
	ctx = context.WithoutCancel(ctx)
	if !errors.Is(cause, domain.ErrReceiptTimeout) {
		cause = fmt.Errorf("%w: %v", domain.ErrReceiptTimeout, cause)
	}
	m.Pending = &p
	saved, err := e.save(ctx, m)
	if err != nil {
		return m, fmt.Errorf("lifecycle: record pending %s: %w (after %v)", p.TxHash.Hex(), err, cause)
	}
	e.logger.WarnContext(ctx, "transaction pending",
		slog.String("op", string(p.Op)),
		slog.String("market_id", saved.CanonicalID().String()),
		slog.String("tx_hash", p.TxHash.Hex()),
	)
	return saved, fmt.Errorf("lifecycle: %s %s: %w", p.Op, p.TxHash.Hex(), cause)
}

// broadcastUnknown reports whether a submission failed after the signed
// transaction may already have reached the node. Such a transaction is
// awaited and, failing that, recorded as pending like any other.
func broadcastUnknown(tx ledger.Tx, err error) bool {
	return errors.Is(err, domain.ErrReceiptTimeout) && tx.Hash != (common.Hash{})
}

// submitFailed handles an error returned before a transaction was accepted.
// Ledger-fatal errors are persisted; anything else is returned for the
// caller to retry.
func (e *Engine) submitFailed(ctx context.Context, m domain.Market, op string, err error) error {
	if domain.KindOf(err) == domain.KindLedgerFatal {
		_, err = e.recordFailure(ctx, m, op, err)
	}
	return fmt.Errorf("lifecycle: %s: %w", op, err)
}

func (e *Engine) logTransition(ctx context.Context, msg string, m domain.Market, tx common.Hash) {
	e.logger.InfoContext(ctx, msg,
		slog.String("market_id", m.CanonicalID().String()),
		slog.String("pre_deploy_id", domain.CanonicalHex(m.PreDeployID)),
		slog.String("tx_hash", tx.Hex()),
		slog.String("state", m.State().String()),
	)
}
