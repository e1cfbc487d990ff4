package domain

import (
	"context"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MarketCache is a read-through copy of market records reachable by either
// identifier. It is never authoritative: a miss or a stale entry must be
// answered from the MarketStore.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id common.Hash) (Market, error)
	Invalidate(ctx context.Context, market Market) error
}

// LockManager hands out leases shared by every instance. The returned
// unlock releases the lease only if it is still held by this caller.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus carries lifecycle events between instances. Delivery is
// best-effort: subscribers that are not connected miss messages.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter uploads archive objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader reads archive objects back. Paths are relative to the
// store's configured prefix, as are the keys List returns.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Archiver copies settled markets to cold storage. Records are never
// removed from the primary store.
type Archiver interface {
	ArchiveSettled(ctx context.Context, day time.Time) (int, error)
}
