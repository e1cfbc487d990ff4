package identity

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/store/memory"
)

func baseTerms() domain.Terms {
	return domain.Terms{
		EventID:        "E1",
		Description:    "D1",
		CloseTimestamp: 1_800_000_000,
		CreatorAddress: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ChainID:        80002,
	}
}

func TestDeriveIDDeterministic(t *testing.T) {
	a, err := DeriveID(baseTerms())
	require.NoError(t, err)
	b, err := DeriveID(baseTerms())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, domain.IDPreDeploy, a.Kind)
	assert.Len(t, a.String(), 66)
}

func TestDeriveIDSensitiveToEachTerm(t *testing.T) {
	base, err := DeriveID(baseTerms())
	require.NoError(t, err)

	otherCreator := common.HexToAddress("0x1111111111111111111111111111111111111112")
	mutations := map[string]func(*domain.Terms){
		"eventId":     func(t *domain.Terms) { t.EventID = "E2" },
		"description": func(t *domain.Terms) { t.Description = "D1 " },
		"close":       func(t *domain.Terms) { t.CloseTimestamp++ },
		"creator":     func(t *domain.Terms) { t.CreatorAddress = otherCreator },
		"chain":       func(t *domain.Terms) { t.ChainID = 1 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			terms := baseTerms()
			mutate(&terms)
			got, err := DeriveID(terms)
			require.NoError(t, err)
			assert.NotEqual(t, base.Hash, got.Hash)
		})
	}
}

func TestDeriveIDNoConcatenationAmbiguity(t *testing.T) {
	a := baseTerms()
	a.EventID, a.Description = "ab", "c"
	b := baseTerms()
	b.EventID, b.Description = "a", "bc"

	ida, err := DeriveID(a)
	require.NoError(t, err)
	idb, err := DeriveID(b)
	require.NoError(t, err)
	assert.NotEqual(t, ida.Hash, idb.Hash)
}

func TestDeriveIDRejectsNegative(t *testing.T) {
	terms := baseTerms()
	terms.CloseTimestamp = -1
	_, err := DeriveID(terms)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRemap(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMarketStore()

	id, err := DeriveID(baseTerms())
	require.NoError(t, err)
	m, err := store.Create(ctx, domain.Market{PreDeployID: id.Hash, Terms: baseTerms()})
	require.NoError(t, err)

	onChain := common.HexToHash("0xbeef")
	remapped, err := Remap(ctx, store, m, onChain)
	require.NoError(t, err)
	assert.Equal(t, domain.IDOnChain, remapped.CanonicalID().Kind)

	for _, key := range []common.Hash{id.Hash, onChain} {
		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, id.Hash, got.PreDeployID)
	}

	// idempotent with the same id
	again, err := Remap(ctx, store, remapped, onChain)
	require.NoError(t, err)
	assert.Equal(t, onChain, *again.OnChainID)

	// another market cannot take the same on-chain id
	other := baseTerms()
	other.EventID = "E9"
	otherID, err := DeriveID(other)
	require.NoError(t, err)
	m2, err := store.Create(ctx, domain.Market{PreDeployID: otherID.Hash, Terms: other})
	require.NoError(t, err)
	_, err = Remap(ctx, store, m2, onChain)
	assert.ErrorIs(t, err, domain.ErrIdentityConflict)
}

func TestParseAddress(t *testing.T) {
	_, err := ParseAddress("0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	_, err = ParseAddress("not-an-address")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
