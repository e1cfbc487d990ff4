package domain

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestMarketState(t *testing.T) {
	m := Market{}
	assert.Equal(t, StateCreated, m.State())

	vault := common.HexToAddress("0x01")
	m.VaultAddress = &vault
	assert.Equal(t, StateDeployed, m.State())

	m.Probability = intPtr(42)
	assert.Equal(t, StateScored, m.State())

	m.YesAmount = big.NewInt(42)
	m.NoAmount = big.NewInt(58)
	assert.Equal(t, StateAllocated, m.State())

	side := SideYes
	m.WinningSide = &side
	assert.Equal(t, StateSettled, m.State())
	assert.Equal(t, "settled", m.State().String())
}

func TestCheckWriteOnce(t *testing.T) {
	vault := common.HexToAddress("0x01")
	other := common.HexToAddress("0x02")
	prev := Market{PreDeployID: common.HexToHash("0xaa"), VaultAddress: &vault, Probability: intPtr(30)}

	t.Run("same values allowed", func(t *testing.T) {
		next := prev.Clone()
		next.Explanation = "changed"
		assert.NoError(t, CheckWriteOnce(&prev, &next))
	})

	t.Run("vault overwrite refused", func(t *testing.T) {
		next := prev.Clone()
		next.VaultAddress = &other
		err := CheckWriteOnce(&prev, &next)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrWriteOnce)
	})

	t.Run("probability overwrite refused", func(t *testing.T) {
		next := prev.Clone()
		next.Probability = intPtr(31)
		assert.ErrorIs(t, CheckWriteOnce(&prev, &next), ErrWriteOnce)
	})

	t.Run("terms are immutable", func(t *testing.T) {
		next := prev.Clone()
		next.EventID = "other"
		assert.ErrorIs(t, CheckWriteOnce(&prev, &next), ErrWriteOnce)
	})

	t.Run("filling an empty field allowed", func(t *testing.T) {
		next := prev.Clone()
		next.YesAmount = big.NewInt(1)
		next.NoAmount = big.NewInt(2)
		assert.NoError(t, CheckWriteOnce(&prev, &next))
	})
}

func TestCloneIsDeep(t *testing.T) {
	m := Market{YesAmount: big.NewInt(10), Probability: intPtr(50)}
	c := m.Clone()
	c.YesAmount.SetInt64(99)
	*c.Probability = 11
	assert.Equal(t, int64(10), m.YesAmount.Int64())
	assert.Equal(t, 50, *m.Probability)
}

func TestParseHash(t *testing.T) {
	want := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000ab")

	h, ok := ParseHash("0x00000000000000000000000000000000000000000000000000000000000000AB")
	require.True(t, ok)
	assert.Equal(t, want, h)

	h, ok = ParseHash("00000000000000000000000000000000000000000000000000000000000000ab")
	require.True(t, ok)
	assert.Equal(t, want, h)

	_, ok = ParseHash("0xabc")
	assert.False(t, ok)
	_, ok = ParseHash("0xzz000000000000000000000000000000000000000000000000000000000000ab")
	assert.False(t, ok)

	assert.True(t, LooksOnChain(CanonicalHex(want)))
	assert.False(t, LooksOnChain("00000000000000000000000000000000000000000000000000000000000000ab"))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("lifecycle: create: %w", ErrAlreadyExists), KindConflict},
		{fmt.Errorf("wrap: %w", ErrReceiptTimeout), KindLedgerPending},
		{ErrEventNotFound, KindLedgerFatal},
		{ErrNotFound, KindNotFound},
		{errors.New("boom"), KindInternal},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err))
	}
	assert.True(t, KindLedgerTransient.Retryable())
	assert.False(t, KindLedgerFatal.Retryable())
}
