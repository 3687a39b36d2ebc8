package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	cost, err := cfg.WriteCost()
	require.NoError(t, err)
	assert.Equal(t, "0.05", cost.String())
	assert.Equal(t, "5000000", cfg.ChainReserves()[domain.ChainSolana].String())
	assert.Equal(t, 5*time.Minute, cfg.Snapshot.MaxPriceAge.Duration)
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainbot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "scheduler"

[gateway]
url = "https://gateway.example"
timeout = "45s"

[store]
backend = "memory"

[scheduler]
interval = "10s"

[invoice]
detection = "absolute"

[invoice.reserves]
solana = 10000000

[invoice.treasury]
ethereum = "0x52908400098527886E0F7030069857D2E4169EE7"
`), 0o600))

	t.Setenv("CHAINBOT_GATEWAY_TOKEN", "secret-token")
	t.Setenv("CHAINBOT_SCHEDULER_MAX_CONCURRENT_RULES", "9")
	t.Setenv("CHAINBOT_SNAPSHOT_MAX_PRICE_AGE", "90s")
	t.Setenv("CHAINBOT_INVOICE_TREASURY", "solana=7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "scheduler", cfg.Mode)
	assert.Equal(t, "https://gateway.example", cfg.Gateway.URL)
	assert.Equal(t, 45*time.Second, cfg.Gateway.Timeout.Duration)
	assert.Equal(t, "secret-token", cfg.Gateway.Token)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Interval.Duration)
	assert.Equal(t, 9, cfg.Scheduler.MaxConcurrentRules)
	assert.Equal(t, 90*time.Second, cfg.Snapshot.MaxPriceAge.Duration)
	assert.Equal(t, "absolute", cfg.Invoice.Detection)
	assert.Equal(t, "10000000", cfg.ChainReserves()[domain.ChainSolana].String())

	treasury := cfg.ChainTreasury()
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", treasury[domain.ChainEthereum])
	assert.Equal(t, "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", treasury[domain.ChainSolana])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Store.Backend = "mongo"
	cfg.Scheduler.MaxConcurrentRules = 0
	cfg.Dispatch.WriteCostUSD = "five cents"
	cfg.Invoice.Treasury = map[string]string{"ethereum": "not-an-address", "dogecoin": "D8x"}
	cfg.Gateway.EncryptedTokenPath = "/etc/chainbot/token.json"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown backend "mongo"`,
		"max_concurrent_rules",
		"write_cost_usd",
		"treasury for ethereum",
		"dogecoin",
		"token_password",
	} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}
}

func TestArchiveNeedsDurableStore(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.Enabled = true
	cfg.Store.Backend = "memory"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "durable store")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Token = "tok"
	cfg.Postgres.Password = "pw"
	cfg.Server.APIKey = "key"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Gateway.Token)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Equal(t, "", out.Redis.Password)

	out.Invoice.Reserves["solana"] = 1
	out.Notify.Events[0] = "changed"
	assert.Equal(t, int64(5_000_000), cfg.Invoice.Reserves["solana"])
	assert.NotEqual(t, "changed", cfg.Notify.Events[0])
	assert.Equal(t, "tok", cfg.Gateway.Token)
}
