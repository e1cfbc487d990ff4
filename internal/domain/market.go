package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LifecycleState is the derived position of a market in the
// Created -> Deployed -> Scored -> Allocated -> Settled progression.
type LifecycleState int

const (
	StateCreated LifecycleState = iota
	StateDeployed
	StateScored
	StateAllocated
	StateSettled
)

// String returns the lowercase state name used in API payloads.
func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDeployed:
		return "deployed"
	case StateScored:
		return "scored"
	case StateAllocated:
		return "allocated"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s LifecycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Side is a binary market outcome as encoded by the vault contract.
type Side uint8

const (
	SideNo  Side = 0
	SideYes Side = 1
)

// Valid reports whether s is one of the two legal outcomes.
func (s Side) Valid() bool {
	return s == SideNo || s == SideYes
}

// String returns "YES" or "NO".
func (s Side) String() string {
	if s == SideYes {
		return "YES"
	}
	return "NO"
}

// VaultState mirrors the vault contract's state enum.
type VaultState uint8

const (
	VaultOpen    VaultState = 0
	VaultLocked  VaultState = 1
	VaultSettled VaultState = 2
)

// String returns the lowercase vault state name.
func (v VaultState) String() string {
	switch v {
	case VaultOpen:
		return "open"
	case VaultLocked:
		return "locked"
	case VaultSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Terms are the immutable market terms fixed at creation. Together they
// determine the pre-deployment identifier.
type Terms struct {
	EventID        string         `json:"eventId"`
	Description    string         `json:"description"`
	CloseTimestamp int64          `json:"closeTimestamp"`
	CreatorAddress common.Address `json:"creatorAddress"`
	ChainID        int64          `json:"chainId"`
}

// PendingOp names a ledger operation whose receipt has not been observed.
type PendingOp string

const (
	PendingDeploy   PendingOp = "deploy"
	PendingScore    PendingOp = "score"
	PendingAllocate PendingOp = "allocate"
	PendingSettle   PendingOp = "settle"
)

// PendingTx records a submitted transaction whose outcome is still unknown,
// together with the values that become final once it is mined.
type PendingTx struct {
	Op          PendingOp   `json:"op"`
	TxHash      common.Hash `json:"txHash"`
	SubmittedAt time.Time   `json:"submittedAt"`
	// Misses counts consecutive polls that found the transaction unknown.
	Misses int `json:"misses,omitempty"`

	// Score payload.
	Probability    int         `json:"probability,omitempty"`
	Explanation    string      `json:"explanation,omitempty"`
	CommitmentHash common.Hash `json:"commitmentHash,omitempty"`
	ScoredAt       int64       `json:"scoredAt,omitempty"`

	// Allocation payload.
	YesAmount *big.Int `json:"yesAmount,omitempty"`
	NoAmount  *big.Int `json:"noAmount,omitempty"`

	// Settlement payload.
	WinningSide *Side `json:"winningSide,omitempty"`
}

// Market is the off-chain record of a prediction market. The ledger stays
// authoritative; this record only caches what the ledger confirmed.
type Market struct {
	PreDeployID common.Hash  `json:"preDeployId"`
	OnChainID   *common.Hash `json:"onChainId,omitempty"`

	Terms

	VaultAddress     *common.Address `json:"vaultAddress,omitempty"`
	Probability      *int            `json:"probability,omitempty"`
	Explanation      string          `json:"explanation,omitempty"`
	AICommitmentHash *common.Hash    `json:"aiCommitmentHash,omitempty"`
	ScoredAt         *int64          `json:"scoredAt,omitempty"`
	YesAmount        *big.Int        `json:"yesAmount,omitempty"`
	NoAmount         *big.Int        `json:"noAmount,omitempty"`
	WinningSide      *Side           `json:"winningSide,omitempty"`

	DeployTx   common.Hash `json:"deployTx,omitempty"`
	ScoreTx    common.Hash `json:"scoreTx,omitempty"`
	AllocateTx common.Hash `json:"allocateTx,omitempty"`
	SettleTx   common.Hash `json:"settleTx,omitempty"`

	DeployError string     `json:"deployError,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	NeedsReview bool       `json:"needsReview,omitempty"`
	Pending     *PendingTx `json:"pending,omitempty"`

	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeployedAt *time.Time `json:"deployedAt,omitempty"`
	SettledAt  *time.Time `json:"settledAt,omitempty"`
}

// State derives the lifecycle state from the write-once fields.
func (m *Market) State() LifecycleState {
	switch {
	case m.WinningSide != nil:
		return StateSettled
	case m.YesAmount != nil:
		return StateAllocated
	case m.Probability != nil:
		return StateScored
	case m.VaultAddress != nil:
		return StateDeployed
	default:
		return StateCreated
	}
}

// CanonicalID returns the on-chain identifier once deployed, otherwise the
// pre-deployment identifier.
func (m *Market) CanonicalID() Identifier {
	if m.OnChainID != nil {
		return Identifier{Kind: IDOnChain, Hash: *m.OnChainID}
	}
	return Identifier{Kind: IDPreDeploy, Hash: m.PreDeployID}
}

// Clone returns a deep copy so callers can mutate it without racing readers
// of the original.
func (m Market) Clone() Market {
	out := m
	if m.OnChainID != nil {
		v := *m.OnChainID
		out.OnChainID = &v
	}
	if m.VaultAddress != nil {
		v := *m.VaultAddress
		out.VaultAddress = &v
	}
	if m.Probability != nil {
		v := *m.Probability
		out.Probability = &v
	}
	if m.AICommitmentHash != nil {
		v := *m.AICommitmentHash
		out.AICommitmentHash = &v
	}
	if m.ScoredAt != nil {
		v := *m.ScoredAt
		out.ScoredAt = &v
	}
	if m.YesAmount != nil {
		out.YesAmount = new(big.Int).Set(m.YesAmount)
	}
	if m.NoAmount != nil {
		out.NoAmount = new(big.Int).Set(m.NoAmount)
	}
	if m.WinningSide != nil {
		v := *m.WinningSide
		out.WinningSide = &v
	}
	if m.DeployedAt != nil {
		v := *m.DeployedAt
		out.DeployedAt = &v
	}
	if m.SettledAt != nil {
		v := *m.SettledAt
		out.SettledAt = &v
	}
	if m.Pending != nil {
		p := *m.Pending
		if p.YesAmount != nil {
			p.YesAmount = new(big.Int).Set(p.YesAmount)
		}
		if p.NoAmount != nil {
			p.NoAmount = new(big.Int).Set(p.NoAmount)
		}
		if p.WinningSide != nil {
			v := *p.WinningSide
			p.WinningSide = &v
		}
		out.Pending = &p
	}
	return out
}

// CheckWriteOnce returns ErrWriteOnce if next changes a field that was
// already set in prev. Setting a nil field, or re-setting it to the same
// value, is allowed.
func CheckWriteOnce(prev, next *Market) error {
	if prev.PreDeployID != next.PreDeployID || prev.Terms != next.Terms {
		return writeOnce("terms")
	}
	if prev.OnChainID != nil && (next.OnChainID == nil || *prev.OnChainID != *next.OnChainID) {
		return writeOnce("onChainId")
	}
	if prev.VaultAddress != nil && (next.VaultAddress == nil || *prev.VaultAddress != *next.VaultAddress) {
		return writeOnce("vaultAddress")
	}
	if prev.Probability != nil && (next.Probability == nil || *prev.Probability != *next.Probability) {
		return writeOnce("probability")
	}
	if prev.AICommitmentHash != nil && (next.AICommitmentHash == nil || *prev.AICommitmentHash != *next.AICommitmentHash) {
		return writeOnce("aiCommitmentHash")
	}
	if prev.YesAmount != nil && (next.YesAmount == nil || prev.YesAmount.Cmp(next.YesAmount) != 0) {
		return writeOnce("yesAmount")
	}
	if prev.NoAmount != nil && (next.NoAmount == nil || prev.NoAmount.Cmp(next.NoAmount) != 0) {
		return writeOnce("noAmount")
	}
	if prev.WinningSide != nil && (next.WinningSide == nil || *prev.WinningSide != *next.WinningSide) {
		return writeOnce("winningSide")
	}
	if next.State() < prev.State() {
		return writeOnce("lifecycleState")
	}
	return nil
}
