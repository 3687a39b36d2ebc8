package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/crypto"
	"github.com/alanyoungcy/chainbot/internal/domain"
)

const rulesYAML = `
rules:
  - owner: alice
    kind: dca
    chain: solana
    trigger:
      asset: SOL
      to_asset: USDC
      interval: 24h
      max_intervals: 7
    size:
      units: 1000000
  - kind: stop_loss
    chain: ethereum
    status: active
    trigger:
      asset: ETH
      price: "1800.5"
    size:
      percent: 50
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "chainbot", cmd.Use)

	for _, path := range [][]string{
		{"serve"}, {"cycle"}, {"migrate"}, {"rules", "import"}, {"rules", "list"}, {"archive", "run"}, {"archive", "status"}, {"encrypt-token"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	cfgFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfgFlag)
	assert.Equal(t, "c", cfgFlag.Shorthand)
	assert.Equal(t, "config.toml", cfgFlag.DefValue)
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(rulesYAML))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	dca := rules[0]
	assert.Equal(t, domain.RuleDCA, dca.Kind)
	assert.Equal(t, domain.ChainSolana, dca.Chain)
	assert.Equal(t, 24*time.Hour, dca.Trigger.Interval.D())
	assert.Equal(t, 7, dca.Trigger.MaxIntervals)
	assert.Equal(t, "1000000", dca.Size.Units.String())

	sl := rules[1]
	assert.Equal(t, domain.RuleActive, sl.Status)
	assert.Equal(t, "1800.5", sl.Trigger.Price.String())
	assert.Equal(t, "50", sl.Size.Percent.String())
}

func TestParseRulesShapes(t *testing.T) {
	single, err := ParseRules([]byte("kind: dca\nchain: solana\n"))
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, domain.RuleDCA, single[0].Kind)

	list, err := ParseRules([]byte("- kind: dca\n- kind: rebalance\n"))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = ParseRules([]byte(""))
	assert.Error(t, err)
	_, err = ParseRules([]byte("rules: 3\n"))
	assert.Error(t, err)
	_, err = ParseRules([]byte("kind: [dca\n"))
	assert.Error(t, err)
}

func TestPrepareImport(t *testing.T) {
	rules, err := ParseRules([]byte(rulesYAML))
	require.NoError(t, err)

	// The stop loss names no owner.
	require.Error(t, prepareImport(rules, "", false))

	rules, _ = ParseRules([]byte(rulesYAML))
	require.NoError(t, prepareImport(rules, "bob", false))
	assert.Equal(t, "alice", rules[0].Owner)
	assert.Equal(t, domain.RuleDraft, rules[0].Status)
	assert.Equal(t, "bob", rules[1].Owner)
	assert.Equal(t, domain.RuleActive, rules[1].Status)

	rules, _ = ParseRules([]byte(rulesYAML))
	require.NoError(t, prepareImport(rules, "bob", true))
	assert.Equal(t, domain.RuleActive, rules[0].Status)

	bad, _ := ParseRules([]byte("owner: x\nkind: dca\nchain: solana\nstatus: executing\nsize: {units: 1}\ntrigger: {asset: SOL, to_asset: USDC, interval: 1h}\n"))
	err = prepareImport(bad, "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executing")

	invalid, _ := ParseRules([]byte("owner: x\nkind: dca\nchain: solana\nsize: {units: 1}\n"))
	err = prepareImport(invalid, "", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidRule)
}

func TestRulesImportAndList(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "chainbot.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[store]
backend = "sqlite"

[sqlite]
path = "`+filepath.ToSlash(filepath.Join(dir, "chainbot.db"))+`"
`), 0o600))
	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(rulesYAML), 0o600))

	out, err := execute(t, "rules", "import", rulesPath, "--owner", "bob", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 rule(s) imported")

	out, err = execute(t, "rules", "list", "--owner", "bob", "-c", cfgPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "KIND")
	assert.Contains(t, lines[1], "stop_loss")
	assert.Contains(t, lines[1], "active")

	out, err = execute(t, "rules", "list", "-c", cfgPath)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)

	out, err = execute(t, "migrate", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "schema applied")
}

func TestImportRejectsInvalidFileBeforeStoring(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte("kind: dca\nchain: solana\n"), 0o600))

	_, err := execute(t, "rules", "import", rulesPath, "-c", filepath.Join(dir, "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner is required")
}

func TestEncryptToken(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "token.json")
	out, err := execute(t, "encrypt-token", "--token", "gw-secret", "--password", "hunter2", "-o", outPath)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	token, err := crypto.DecryptToken(data, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "gw-secret", token)

	loaded, err := crypto.LoadToken(crypto.TokenConfig{EncryptedPath: outPath, Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "gw-secret", loaded)
}

func TestEncryptTokenFromStdin(t *testing.T) {
	t.Setenv("CHAINBOT_TOKEN_PASSWORD", "pw")
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader("  piped-token\n"))
	cmd.SetArgs([]string{"encrypt-token"})
	require.NoError(t, cmd.Execute())

	token, err := crypto.DecryptToken(bytes.TrimSpace(out.Bytes()), "pw")
	require.NoError(t, err)
	assert.Equal(t, "piped-token", token)
}

func TestEncryptTokenNeedsPassword(t *testing.T) {
	t.Setenv("CHAINBOT_TOKEN_PASSWORD", "")
	_, err := execute(t, "encrypt-token", "--token", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
