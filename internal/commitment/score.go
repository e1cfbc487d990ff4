// Package commitment produces the deterministic market score and the hash
// committed to the verifier contract.
package commitment

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// Salt is appended to every commitment preimage.
	Salt = "oraclex"

	maxExplanation  = 280
	maxLengthSignal = 100
)

// Keywords are matched case-insensitively against the description, each
// counted at most once.
var Keywords = []string{"ETH", "Bitcoin", "inflation", "Fed", "ETF", "AI", "sports"}

// Input is everything the score depends on. Timestamp is the scoring time,
// not the market close time.
type Input struct {
	EventID     string
	Description string
	Timestamp   int64
	ChainID     int64
}

// Result is a computed score and its commitment.
type Result struct {
	Probability int         `json:"probability"`
	Explanation string      `json:"explanation"`
	Hash        common.Hash `json:"aiCommitmentHash"`
	Seed        string      `json:"seed"`
}

// Score computes the probability, explanation and commitment hash for in.
// It is a pure function of in.
func Score(in Input) Result {
	sum := sha256.Sum256([]byte(in.EventID + strconv.FormatInt(in.ChainID, 10) + strconv.FormatInt(in.Timestamp, 10)))
	seed := hex.EncodeToString(sum[:])

	prob := int(binary.BigEndian.Uint32(sum[:4])%80) + 10

	words := len(strings.Fields(in.Description))
	lower := strings.ToLower(in.Description)
	weight := 0
	for _, k := range Keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			weight++
		}
	}
	length := min(utf8.RuneCountInString(in.Description), maxLengthSignal)

	explanation := fmt.Sprintf("Signals: words=%d, keywordWeight=%d, lengthSignal=%d. Deterministic seed=%s",
		words, weight, length, seed[:12])
	explanation = truncateRunes(explanation, maxExplanation)

	return Result{
		Probability: prob,
		Explanation: explanation,
		Hash:        Hash(prob, explanation),
		Seed:        seed,
	}
}

// Hash returns keccak256(utf8(probability ‖ explanation ‖ Salt)), the value
// the verifier stores.
func Hash(probability int, explanation string) common.Hash {
	return crypto.Keccak256Hash([]byte(strconv.Itoa(probability) + explanation + Salt))
}

// Verify reports whether hash commits to probability and explanation.
func Verify(probability int, explanation string, hash common.Hash) bool {
	return Hash(probability, explanation) == hash
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
