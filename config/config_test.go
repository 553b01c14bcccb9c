package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
issuerId: university-of-somewhere
ledger:
  rpcEndpoint: https://rpc.example.org
  chainId: 31337
  contractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  signerKey: ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80
store:
  path: /var/lib/certanchor
link:
  baseUrl: https://certs.example.org
  secret: a-sufficiently-long-secret
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, "university-of-somewhere", cfg.IssuerID)
	assert.Equal(t, int64(31337), cfg.Ledger.ChainID)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Batch.Concurrency)
	assert.Equal(t, 460.0, cfg.Batch.QRPlacement.X)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CERTANCHOR_SIGNER_KEY", "deadbeef00000000000000000000000000000000000000000000000000000000")
	t.Setenv("CERTANCHOR_LINK_SECRET", "secret-from-environment")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, "deadbeef00000000000000000000000000000000000000000000000000000000", cfg.Ledger.SignerKey)
	assert.Equal(t, "secret-from-environment", cfg.Link.Secret)
}

func TestLoadRejectsMissingFields(t *testing.T) {
	_, err := Load(writeConfig(t, "issuerId: x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoadRejectsBadContractAddress(t *testing.T) {
	body := validConfig + "\n"
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	_, err = Load(writeConfig(t, `
issuerId: x
ledger:
  rpcEndpoint: https://rpc.example.org
  chainId: 31337
  contractAddress: "not-an-address"
  signerKey: k
store:
  path: /tmp/s
link:
  baseUrl: https://certs.example.org
  secret: a-sufficiently-long-secret
`))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
