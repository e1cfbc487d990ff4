package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

func newMarket(b byte) domain.Market {
	return domain.Market{
		PreDeployID: common.BytesToHash([]byte{b}),
		Terms:       domain.Terms{EventID: "E", Description: "D", CloseTimestamp: 100, ChainID: 1},
	}
}

func TestCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()

	created, err := s.Create(ctx, newMarket(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	_, err = s.Create(ctx, newMarket(1))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestUpdateCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	m, err := s.Create(ctx, newMarket(1))
	require.NoError(t, err)

	vault := common.HexToAddress("0xabc")
	next := m.Clone()
	next.VaultAddress = &vault
	updated, err := s.Update(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// stale version loses
	stale := m.Clone()
	stale.DeployError = "late"
	_, err = s.Update(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	// write-once vault
	other := common.HexToAddress("0xdef")
	bad := updated.Clone()
	bad.VaultAddress = &other
	_, err = s.Update(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrWriteOnce)

	got, err := s.Get(ctx, m.PreDeployID)
	require.NoError(t, err)
	assert.Equal(t, vault, *got.VaultAddress)
}

func TestConcurrentUpdatesOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	m, err := s.Create(ctx, newMarket(1))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := 10 + i
			next := m.Clone()
			next.Probability = &p
			if _, err := s.Update(ctx, next); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestAliasLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	m, err := s.Create(ctx, newMarket(1))
	require.NoError(t, err)

	onChain := common.BytesToHash([]byte{0xee})
	next := m.Clone()
	next.OnChainID = &onChain
	_, err = s.Update(ctx, next)
	require.NoError(t, err)

	byPre, err := s.Get(ctx, m.PreDeployID)
	require.NoError(t, err)
	byChain, err := s.Get(ctx, onChain)
	require.NoError(t, err)
	assert.Equal(t, byPre.PreDeployID, byChain.PreDeployID)

	// a second market may not claim the same on-chain id
	m2, err := s.Create(ctx, newMarket(2))
	require.NoError(t, err)
	dup := m2.Clone()
	dup.OnChainID = &onChain
	_, err = s.Update(ctx, dup)
	assert.ErrorIs(t, err, domain.ErrIdentityConflict)

	ok, err := s.Exists(ctx, onChain)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListAllNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	for i := byte(1); i <= 3; i++ {
		_, err := s.Create(ctx, newMarket(i))
		require.NoError(t, err)
	}

	all, err := s.ListAll(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, common.BytesToHash([]byte{3}), all[0].PreDeployID)
	assert.Equal(t, common.BytesToHash([]byte{1}), all[2].PreDeployID)

	page, err := s.ListAll(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, common.BytesToHash([]byte{2}), page[0].PreDeployID)
}

func TestAuditStore(t *testing.T) {
	ctx := context.Background()
	a := NewAuditStore()
	require.NoError(t, a.Log(ctx, "market.created", map[string]any{"id": "1"}))
	require.NoError(t, a.Log(ctx, "market.deployed", map[string]any{"id": "1"}))

	entries, err := a.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "market.deployed", entries[0].Event)
}

func TestAuditStoreListForMarket(t *testing.T) {
	ctx := context.Background()
	a := NewAuditStore()
	one := common.BytesToHash([]byte{1})
	two := common.BytesToHash([]byte{2})

	require.NoError(t, a.Log(ctx, "market.created", map[string]any{domain.AuditMarketKey: domain.CanonicalHex(one)}))
	require.NoError(t, a.Log(ctx, "market.created", map[string]any{domain.AuditMarketKey: domain.CanonicalHex(two)}))
	require.NoError(t, a.Log(ctx, "market.deployed", map[string]any{domain.AuditMarketKey: domain.CanonicalHex(one)}))
	require.NoError(t, a.Log(ctx, "reconcile.sweep", nil))

	entries, err := a.ListForMarket(ctx, one, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "market.created", entries[0].Event)
	assert.Equal(t, "market.deployed", entries[1].Event)
	assert.Equal(t, domain.CanonicalHex(one), entries[0].MarketID)

	page, err := a.ListForMarket(ctx, one, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "market.deployed", page[0].Event)

	none, err := a.ListForMarket(ctx, common.BytesToHash([]byte{9}), domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, none)
}
