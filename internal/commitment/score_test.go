package commitment

import (
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreProbabilityRange(t *testing.T) {
	for i := 0; i < 2000; i++ {
		res := Score(Input{
			EventID:     fmt.Sprintf("event-%d", i),
			Description: "Will ETH close above 5000?",
			Timestamp:   1_700_000_000 + int64(i)*37,
			ChainID:     int64(i % 5),
		})
		require.GreaterOrEqual(t, res.Probability, 10)
		require.LessOrEqual(t, res.Probability, 89)
	}
}

func TestScoreDeterministic(t *testing.T) {
	in := Input{EventID: "E1", Description: "Fed cuts rates in March", Timestamp: 1_735_000_000, ChainID: 80002}
	a := Score(in)
	b := Score(in)
	assert.Equal(t, a, b)
	assert.True(t, Verify(a.Probability, a.Explanation, a.Hash))

	in.Timestamp++
	c := Score(in)
	assert.NotEqual(t, a.Seed, c.Seed)
}

func TestScoreKnownVector(t *testing.T) {
	res := Score(Input{EventID: "E1", Description: "Bitcoin and bitcoin and ETH sports", Timestamp: 100, ChainID: 1})
	assert.Equal(t, "318d62a9bee841e352088ff0405dddd221bed5b2b89de1c183cdbf600ac0d713", res.Seed)
	assert.Equal(t, 67, res.Probability)
	assert.Equal(t, "Signals: words=6, keywordWeight=3, lengthSignal=34. Deterministic seed=318d62a9bee8", res.Explanation)
	assert.Equal(t, common.HexToHash("0x464fd52e0182f215f2a331940d8ea23bca0b849cd7ea5c44f052265c944888a7"), res.Hash)
	assert.Equal(t, Hash(67, res.Explanation), res.Hash)
}

func TestScoreSignals(t *testing.T) {
	t.Run("keywords counted once and case-insensitive", func(t *testing.T) {
		res := Score(Input{EventID: "x", Description: "eth ETH Eth inflation INFLATION"})
		assert.Contains(t, res.Explanation, "keywordWeight=2")
	})

	t.Run("empty tokens discarded", func(t *testing.T) {
		res := Score(Input{EventID: "x", Description: "  one   two\tthree\n"})
		assert.Contains(t, res.Explanation, "words=3")
	})

	t.Run("length signal capped", func(t *testing.T) {
		res := Score(Input{EventID: "x", Description: strings.Repeat("a", 450)})
		assert.Contains(t, res.Explanation, "lengthSignal=100")
	})
}

func TestHashTamperEvident(t *testing.T) {
	h := Hash(42, "explanation")
	assert.Equal(t, common.HexToHash("0x8c6aee2e8569639a8c907f486c5eea262d34243366a6ef75c17cfc04b3786a42"), h)
	assert.NotEqual(t, h, Hash(43, "explanation"))
	assert.NotEqual(t, h, Hash(42, "explanation!"))
	assert.False(t, Verify(41, "explanation", h))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abcdef", 3))
	assert.Equal(t, "ab", truncateRunes("ab", 3))
	assert.Equal(t, "éé", truncateRunes("ééé", 2))
}
