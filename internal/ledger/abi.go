package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

// Contract names as they appear in deployed.json and artifact paths.
const (
	ContractFactory    = "OracleXMarketFactory"
	ContractVerifier   = "OracleXVerifier"
	ContractVault      = "OracleXVault"
	ContractAdapter    = "OracleXOracleAdapter"
	ContractCollateral = "USDC"
)

const factoryABI = `[
  {"type":"function","name":"createMarket","stateMutability":"nonpayable",
   "inputs":[{"name":"eventId","type":"string"},{"name":"description","type":"string"},{"name":"closeTimestamp","type":"uint256"}],
   "outputs":[{"name":"marketId","type":"bytes32"},{"name":"vault","type":"address"}]},
  {"type":"event","name":"MarketCreated","anonymous":false,
   "inputs":[{"name":"marketId","type":"bytes32","indexed":true},{"name":"vault","type":"address","indexed":false},
             {"name":"closeTimestamp","type":"uint256","indexed":false}]}
]`

const verifierABI = `[
  {"type":"function","name":"commitAI","stateMutability":"nonpayable",
   "inputs":[{"name":"marketId","type":"bytes32"},{"name":"aiHash","type":"bytes32"},{"name":"ipfsCid","type":"string"}],"outputs":[]},
  {"type":"function","name":"getCommitment","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"bytes32"}],"outputs":[{"name":"","type":"bytes32"}]}
]`

const vaultABI = `[
  {"type":"function","name":"state","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"winningSide","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"allocateLiquidity","stateMutability":"nonpayable",
   "inputs":[{"name":"yesAmount","type":"uint256"},{"name":"noAmount","type":"uint256"}],"outputs":[]}
]`

const adapterABI = `[
  {"type":"function","name":"pushOutcome","stateMutability":"nonpayable",
   "inputs":[{"name":"marketId","type":"bytes32"},{"name":"winningSide","type":"uint8"}],"outputs":[]}
]`

const erc20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// DefaultABIs returns the built-in contract interfaces keyed by contract name.
func DefaultABIs() map[string]abi.ABI {
	return map[string]abi.ABI{
		ContractFactory:    mustParse(factoryABI),
		ContractVerifier:   mustParse(verifierABI),
		ContractVault:      mustParse(vaultABI),
		ContractAdapter:    mustParse(adapterABI),
		ContractCollateral: mustParse(erc20ABI),
	}
}

// FactoryABI returns the market factory interface.
func FactoryABI() abi.ABI {
	return mustParse(factoryABI)
}

func mustParse(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse abi: %v", err))
	}
	return a
}

// LoadArtifacts overlays compiled contract artifacts from dir on top of the
// built-in interfaces. It looks for <dir>/<Name>.sol/<Name>.json and
// <dir>/<Name>.json, the layouts hardhat and foundry produce. A missing
// directory is not an error; a malformed artifact is.
func LoadArtifacts(dir string, abis map[string]abi.ABI) error {
	if dir == "" {
		return nil
	}
	for name := range abis {
		candidates := []string{
			filepath.Join(dir, name+".sol", name+".json"),
			filepath.Join(dir, name+".json"),
		}
		for _, path := range candidates {
			raw, err := os.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return fmt.Errorf("ledger: read artifact %s: %w", path, err)
			}
			var artifact struct {
				ABI json.RawMessage `json:"abi"`
			}
			if err := json.Unmarshal(raw, &artifact); err != nil {
				return fmt.Errorf("ledger: decode artifact %s: %w", path, err)
			}
			if len(artifact.ABI) == 0 {
				return fmt.Errorf("ledger: artifact %s: %w: no abi field", path, domain.ErrArtifactMissing)
			}
			parsed, err := abi.JSON(strings.NewReader(string(artifact.ABI)))
			if err != nil {
				return fmt.Errorf("ledger: parse artifact %s: %w", path, err)
			}
			abis[name] = parsed
			break
		}
	}
	return nil
}
