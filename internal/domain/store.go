package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// MarketStore persists market records. Both identifier spaces resolve
// through Get once a market is deployed.
type MarketStore interface {
	// Create inserts a new record keyed by its pre-deployment id and fails
	// with ErrAlreadyExists if one is present.
	Create(ctx context.Context, market Market) (Market, error)
	// Get returns the market whose pre-deployment or on-chain id equals id.
	Get(ctx context.Context, id common.Hash) (Market, error)
	Exists(ctx context.Context, id common.Hash) (bool, error)
	// Update replaces the record if its stored version equals
	// market.Version, refusing changes to write-once fields. It returns the
	// stored record with the bumped version. A stale version yields
	// ErrVersionConflict; binding an on-chain id that already belongs to
	// another record yields ErrIdentityConflict.
	Update(ctx context.Context, market Market) (Market, error)
	// ListAll returns markets newest first.
	ListAll(ctx context.Context, opts ListOpts) ([]Market, error)
	// ListPending returns markets carrying an unresolved transaction.
	ListPending(ctx context.Context) ([]Market, error)
	// ListSettled returns markets settled within [from, to).
	ListSettled(ctx context.Context, from, to time.Time) ([]Market, error)
}

// AuditMarketKey is the detail key that ties an audit entry to a market. Its
// value is the canonical pre-deployment id.
const AuditMarketKey = "pre_deploy_id"

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	MarketID  string         `json:"marketId,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	// List returns entries newest first.
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	// ListForMarket returns the entries of one market, oldest first.
	ListForMarket(ctx context.Context, preDeployID common.Hash, opts ListOpts) ([]AuditEntry, error)
}

// AuditMarketID extracts the market a detail map refers to.
func AuditMarketID(detail map[string]any) string {
	id, _ := detail[AuditMarketKey].(string)
	return id
}
