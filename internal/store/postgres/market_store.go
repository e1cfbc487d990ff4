package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

const uniqueViolation = "23505"

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

var _ domain.MarketStore = (*MarketStore)(nil)

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `pre_deploy_id, on_chain_id, event_id, description, close_timestamp,
	creator_address, chain_id, vault_address, probability, explanation,
	ai_commitment_hash, scored_at, yes_amount::text, no_amount::text, winning_side,
	deploy_tx, score_tx, allocate_tx, settle_tx, deploy_error, last_error,
	needs_review, pending, version, created_at, updated_at, deployed_at, settled_at`

// Identifier claims. A pre-deployment id and a bound on-chain id share one
// namespace, so every write that claims an identifier takes the same
// transaction-scoped advisory lock on it before checking the other column.
const (
	claimIdentitySQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	aliasTakenSQL    = `SELECT EXISTS(SELECT 1 FROM markets WHERE on_chain_id = $1)`
	bindingTakenSQL  = `SELECT EXISTS(SELECT 1 FROM markets WHERE pre_deploy_id <> $1 AND (pre_deploy_id = $2 OR on_chain_id = $2))`
)

// Create inserts a new record keyed by its pre-deployment id. A key that is
// already some market's on-chain id is rejected like a duplicate key.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) (domain.Market, error) {
	id := domain.CanonicalHex(m.PreDeployID)

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Version = 1
	args, err := marketArgs(m)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: create market %s: %w", id, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: create market %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, claimIdentitySQL, id); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: create market %s: claim: %w", id, err)
	}
	var taken bool
	if err := tx.QueryRow(ctx, aliasTakenSQL, id).Scan(&taken); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: create market %s: %w", id, err)
	}
	if taken {
		return domain.Market{}, fmt.Errorf("postgres: create market %s: %w", id, domain.ErrAlreadyExists)
	}

	out, err := scanMarket(tx.QueryRow(ctx, `
		INSERT INTO markets (`+marketInsertCols+`)
		VALUES (`+marketInsertVals+`)
		RETURNING `+marketCols, args...))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Market{}, fmt.Errorf("postgres: create market %s: %w", id, domain.ErrAlreadyExists)
		}
		return domain.Market{}, fmt.Errorf("postgres: create market %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: create market %s: commit: %w", id, err)
	}
	return out, nil
}

// Get resolves id through either identifier space.
func (s *MarketStore) Get(ctx context.Context, id common.Hash) (domain.Market, error) {
	key := domain.CanonicalHex(id)
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE pre_deploy_id = $1 OR on_chain_id = $1 LIMIT 1`, key)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", key, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", key, err)
	}
	return m, nil
}

// Exists reports whether id resolves to a record.
func (s *MarketStore) Exists(ctx context.Context, id common.Hash) (bool, error) {
	var ok bool
	key := domain.CanonicalHex(id)
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM markets WHERE pre_deploy_id = $1 OR on_chain_id = $1)`, key,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: market exists %s: %w", key, err)
	}
	return ok, nil
}

// Update replaces the record when the stored version matches. The row is
// locked for the duration of the write-once check.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) (domain.Market, error) {
	id := domain.CanonicalHex(m.PreDeployID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: update market %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, err := scanMarket(tx.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE pre_deploy_id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, fmt.Errorf("postgres: update market %s: %w", id, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("postgres: update market %s: %w", id, err)
	}
	if prev.Version != m.Version {
		return domain.Market{}, fmt.Errorf("postgres: update market %s: %w: have version %d, stored %d",
			id, domain.ErrVersionConflict, m.Version, prev.Version)
	}
	if err := domain.CheckWriteOnce(&prev, &m); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: update market %s: %w", id, err)
	}
	if m.OnChainID != nil && prev.OnChainID == nil {
		var taken bool
		alias := domain.CanonicalHex(*m.OnChainID)
		if _, err := tx.Exec(ctx, claimIdentitySQL, alias); err != nil {
			return domain.Market{}, fmt.Errorf("postgres: update market %s: claim: %w", id, err)
		}
		if err := tx.QueryRow(ctx, bindingTakenSQL, id, alias).Scan(&taken); err != nil {
			return domain.Market{}, fmt.Errorf("postgres: update market %s: %w", id, err)
		}
		if taken {
			return domain.Market{}, fmt.Errorf("postgres: update market %s: %w", id, domain.ErrIdentityConflict)
		}
	}

	m.CreatedAt = prev.CreatedAt
	m.Version = prev.Version + 1
	args, err := marketArgs(m)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: update market %s: %w", id, err)
	}
	out, err := scanMarket(tx.QueryRow(ctx, `
		UPDATE markets SET
			on_chain_id = $2, vault_address = $8, probability = $9, explanation = $10,
			ai_commitment_hash = $11, scored_at = $12, yes_amount = $13::numeric,
			no_amount = $14::numeric, winning_side = $15, deploy_tx = $16, score_tx = $17,
			allocate_tx = $18, settle_tx = $19, deploy_error = $20, last_error = $21,
			needs_review = $22, pending = $23, version = $24,
			deployed_at = $26, settled_at = $27, updated_at = NOW()
		WHERE pre_deploy_id = $1 AND event_id = $3 AND description = $4
			AND close_timestamp = $5 AND creator_address = $6 AND chain_id = $7
			AND created_at = $25
		RETURNING `+marketCols, args...))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Market{}, fmt.Errorf("postgres: update market %s: %w", id, domain.ErrIdentityConflict)
		}
		return domain.Market{}, fmt.Errorf("postgres: update market %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: update market %s: commit: %w", id, err)
	}
	return out, nil
}

// ListAll returns markets newest first.
func (s *MarketStore) ListAll(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := withPage(`SELECT `+marketCols+` FROM markets ORDER BY created_at DESC, pre_deploy_id`, nil, opts)
	return s.list(ctx, "list markets", query, args...)
}

// ListPending returns markets with an unresolved transaction.
func (s *MarketStore) ListPending(ctx context.Context) ([]domain.Market, error) {
	return s.list(ctx, "list pending markets",
		`SELECT `+marketCols+` FROM markets WHERE pending IS NOT NULL ORDER BY updated_at`)
}

// ListSettled returns markets settled within [from, to).
func (s *MarketStore) ListSettled(ctx context.Context, from, to time.Time) ([]domain.Market, error) {
	return s.list(ctx, "list settled markets",
		`SELECT `+marketCols+` FROM markets
		 WHERE settled_at >= $1 AND settled_at < $2 ORDER BY settled_at`, from, to)
}

func (s *MarketStore) list(ctx context.Context, op, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	out := []domain.Market{}
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

const marketInsertCols = `pre_deploy_id, on_chain_id, event_id, description, close_timestamp,
	creator_address, chain_id, vault_address, probability, explanation,
	ai_commitment_hash, scored_at, yes_amount, no_amount, winning_side,
	deploy_tx, score_tx, allocate_tx, settle_tx, deploy_error, last_error,
	needs_review, pending, version, created_at, deployed_at, settled_at`

const marketInsertVals = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
	$13::numeric, $14::numeric, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24,
	$25, $26, $27`

// marketArgs flattens m into the positional arguments shared by the insert
// and update statements.
func marketArgs(m domain.Market) ([]any, error) {
	var pending []byte
	if m.Pending != nil {
		b, err := json.Marshal(m.Pending)
		if err != nil {
			return nil, fmt.Errorf("marshal pending: %w", err)
		}
		pending = b
	}
	var side *int16
	if m.WinningSide != nil {
		v := int16(*m.WinningSide)
		side = &v
	}
	return []any{
		domain.CanonicalHex(m.PreDeployID),
		hashArg(m.OnChainID),
		m.EventID,
		m.Description,
		m.CloseTimestamp,
		m.CreatorAddress.Hex(),
		m.ChainID,
		addressArg(m.VaultAddress),
		m.Probability,
		m.Explanation,
		hashArg(m.AICommitmentHash),
		m.ScoredAt,
		bigArg(m.YesAmount),
		bigArg(m.NoAmount),
		side,
		txArg(m.DeployTx),
		txArg(m.ScoreTx),
		txArg(m.AllocateTx),
		txArg(m.SettleTx),
		m.DeployError,
		m.LastError,
		m.NeedsReview,
		pending,
		m.Version,
		m.CreatedAt,
		m.DeployedAt,
		m.SettledAt,
	}, nil
}

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                                  domain.Market
		pre, creator                       string
		onChain, vault, commit             *string
		yes, no                            *string
		side                               *int16
		deployTx, scoreTx, allocTx, settTx string
		pending                            []byte
	)
	err := row.Scan(
		&pre, &onChain, &m.EventID, &m.Description, &m.CloseTimestamp,
		&creator, &m.ChainID, &vault, &m.Probability, &m.Explanation,
		&commit, &m.ScoredAt, &yes, &no, &side,
		&deployTx, &scoreTx, &allocTx, &settTx, &m.DeployError, &m.LastError,
		&m.NeedsReview, &pending, &m.Version, &m.CreatedAt, &m.UpdatedAt,
		&m.DeployedAt, &m.SettledAt,
	)
	if err != nil {
		return domain.Market{}, err
	}

	m.PreDeployID = common.HexToHash(pre)
	m.CreatorAddress = common.HexToAddress(creator)
	m.OnChainID = hashPtr(onChain)
	m.AICommitmentHash = hashPtr(commit)
	if vault != nil {
		a := common.HexToAddress(*vault)
		m.VaultAddress = &a
	}
	if m.YesAmount, err = bigPtr(yes); err != nil {
		return domain.Market{}, err
	}
	if m.NoAmount, err = bigPtr(no); err != nil {
		return domain.Market{}, err
	}
	if side != nil {
		v := domain.Side(*side)
		m.WinningSide = &v
	}
	m.DeployTx = txHash(deployTx)
	m.ScoreTx = txHash(scoreTx)
	m.AllocateTx = txHash(allocTx)
	m.SettleTx = txHash(settTx)
	if len(pending) > 0 {
		var p domain.PendingTx
		if err := json.Unmarshal(pending, &p); err != nil {
			return domain.Market{}, fmt.Errorf("unmarshal pending: %w", err)
		}
		m.Pending = &p
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func hashArg(h *common.Hash) *string {
	if h == nil {
		return nil
	}
	s := domain.CanonicalHex(*h)
	return &s
}

func addressArg(a *common.Address) *string {
	if a == nil {
		return nil
	}
	s := a.Hex()
	return &s
}

func bigArg(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func txArg(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return domain.CanonicalHex(h)
}

func hashPtr(s *string) *common.Hash {
	if s == nil {
		return nil
	}
	h := common.HexToHash(*s)
	return &h
}

func bigPtr(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("parse numeric %q", *s)
	}
	return v, nil
}

func txHash(s string) common.Hash {
	if s == "" {
		return common.Hash{}
	}
	return common.HexToHash(s)
}
