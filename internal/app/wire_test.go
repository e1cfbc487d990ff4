package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclex/internal/config"
)

func TestResolveAddressesPrefersExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployed.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"OracleXMarketFactory": "0x00000000000000000000000000000000000000f1",
		"OracleXVerifier": "0x00000000000000000000000000000000000000f2"
	}`), 0o600))

	addrs, err := resolveAddresses(config.LedgerConfig{
		DeployedPath: path,
		Factory:      "0x00000000000000000000000000000000000000aa",
	})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xaa"), addrs.Factory)
	assert.Equal(t, common.HexToAddress("0xf2"), addrs.Verifier)
	assert.Equal(t, common.Address{}, addrs.Adapter)
}

func TestResolveAddressesMissingRegistry(t *testing.T) {
	addrs, err := resolveAddresses(config.LedgerConfig{
		DeployedPath: filepath.Join(t.TempDir(), "absent.json"),
		Collateral:   "0x00000000000000000000000000000000000000cc",
	})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xcc"), addrs.Collateral)
}

func TestNeedsS3(t *testing.T) {
	cfg := config.Defaults()
	assert.False(t, needsS3(&cfg))

	cfg.Archive.Enabled = true
	assert.False(t, needsS3(&cfg), "server mode never archives")

	cfg.Mode = "full"
	assert.True(t, needsS3(&cfg))
}
