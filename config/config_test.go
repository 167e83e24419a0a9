package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citychain/ledger-node/router"
)

const nodeToml = `
log_level = "debug"

[node]
id = "tokyo-0"
home = "/var/lib/ledger"
tier = "municipal"
municipality = "Asia-Tokyo"

[database]
driver = "sqlite"
operational_dsn = "file:ops.db"
analytics_dsn = "file:analytics.db"

[batch]
threshold = 100
drain_interval = "2s"

[gossip]
peers = ["http://tokyo-1:5000", "http://tokyo-2:5000"]

[[dpos.bootstrap]]
municipality = "Asia-Tokyo"
users = ["rep-1", "rep-2"]

[[routing.continental]]
key = "Asia"
endpoint = "http://asia:5000"

[[routing.continental]]
key = "Default"
endpoint = "http://fallback:5000"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeConfig(t, nodeToml))
	require.NoError(t, err)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "tokyo-0", c.NodeID())
	assert.Equal(t, 100, c.Batch.Threshold)
	assert.Equal(t, 5, c.Batch.DrainThreshold)
	assert.Equal(t, 2*time.Second, c.Batch.DrainInterval)
	assert.Equal(t, 180*24*time.Hour, c.Lifecycle.Retention)
	assert.Len(t, c.Gossip.Peers, 2)

	tier, err := c.Tier()
	require.NoError(t, err)
	assert.Equal(t, router.TierMunicipal, tier)

	tables := c.Tables()
	endpoint, err := tables.Continental.Resolve("Asia")
	require.NoError(t, err)
	assert.Equal(t, "http://asia:5000", endpoint)
	endpoint, err = tables.Continental.Resolve("Europe")
	require.NoError(t, err)
	assert.Equal(t, "http://fallback:5000", endpoint)

	require.Len(t, c.DPoS.Bootstrap, 1)
	assert.Equal(t, "Asia-Tokyo", c.DPoS.Bootstrap[0].Municipality)

	appCfg := c.AppConfig()
	assert.Equal(t, "Asia-Tokyo", appCfg.Municipality)
	assert.Equal(t, 100, appCfg.BatchThreshold)
	assert.Equal(t, 10, c.GossipConfig().Window)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("LEDGER_BATCH_THRESHOLD", "7")
	t.Setenv("LEDGER_NODE_TIER", "global")
	t.Setenv("LEDGER_GOSSIP_PEERS", "http://a:5000,http://b:5000")

	c, err := Load(writeConfig(t, nodeToml))
	require.NoError(t, err)
	assert.Equal(t, 7, c.Batch.Threshold)
	assert.Equal(t, "global", c.Node.Tier)
	assert.Equal(t, []string{"http://a:5000", "http://b:5000"}, c.Gossip.Peers)
}

func TestValidateBasic(t *testing.T) {
	_, err := Load(writeConfig(t, `
[node]
tier = "planetary"

[database]
driver = "mysql"

[batch]
threshold = 3
drain_threshold = 4
`))
	require.Error(t, err)
	for _, want := range []string{"node.tier", "node.municipality", "database.driver", "batch.drain_threshold"} {
		assert.Contains(t, err.Error(), want)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func withTrustedKeys(keys ...string) string {
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = `"` + k + `"`
	}
	return strings.Replace(nodeToml, "[[dpos.bootstrap]]",
		"[dpos]\ntrusted_keys = ["+strings.Join(quoted, ", ")+"]\n\n[[dpos.bootstrap]]", 1)
}

func TestTrustedKeys(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 7
	c, err := Load(writeConfig(t, withTrustedKeys(base64.StdEncoding.EncodeToString(key))))
	require.NoError(t, err)
	keys, err := c.TrustedKeys()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{key}, keys)
	require.Len(t, c.DPoS.Bootstrap, 1)

	_, err = Load(writeConfig(t, withTrustedKeys("not base64")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dpos.trusted_keys[0]")

	_, err = Load(writeConfig(t, withTrustedKeys(base64.StdEncoding.EncodeToString(key[:16]))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 32 bytes")
}

func TestDefaultAndPaths(t *testing.T) {
	c := Default()
	assert.Error(t, c.ValidateBasic())

	c.Node.Municipality = "Asia-Tokyo"
	require.NoError(t, c.ValidateBasic())
	assert.Equal(t, "ledger-node", c.NodeID())
	assert.Equal(t, filepath.Join("node-config", "ledger-node", "badger"), c.Path(c.Archive.Dir))
	assert.Equal(t, "/abs/key.json", c.Path("/abs/key.json"))
	assert.Empty(t, c.Path(""))
}
