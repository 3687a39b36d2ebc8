package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptToken(t *testing.T) {
	blob, err := EncryptToken("  gw-token-123 \n", "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "gw-token-123")

	got, err := DecryptToken(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "gw-token-123", got)

	_, err = DecryptToken(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptTokenRejectsEmpty(t *testing.T) {
	_, err := EncryptToken("tok", "")
	assert.Error(t, err)
	_, err = EncryptToken("   ", "pw")
	assert.Error(t, err)
}

func TestLoadToken(t *testing.T) {
	got, err := LoadToken(TokenConfig{RawToken: "raw"})
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	got, err = LoadToken(TokenConfig{})
	require.NoError(t, err)
	assert.Empty(t, got)

	blob, err := EncryptToken("from-file", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadToken(TokenConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	_, err = LoadToken(TokenConfig{EncryptedPath: filepath.Join(t.TempDir(), "missing.json"), Password: "pw"})
	assert.Error(t, err)
}

func TestRequestSigner(t *testing.T) {
	s := &RequestSigner{Secret: "s3cret"}
	now := time.Unix(1_760_000_000, 0)
	h := s.HeadersAt("POST", "/api/rules", `{"kind":"dca"}`, now.Unix())

	require.NoError(t, s.Verify("POST", "/api/rules", `{"kind":"dca"}`, h[HeaderTimestamp], h[HeaderSignature], now))

	err := s.Verify("POST", "/api/rules", `{"kind":"stop_loss"}`, h[HeaderTimestamp], h[HeaderSignature], now)
	assert.True(t, errors.Is(err, ErrBadSignature))

	err = s.Verify("POST", "/api/rules", `{"kind":"dca"}`, h[HeaderTimestamp], h[HeaderSignature], now.Add(10*time.Minute))
	assert.True(t, errors.Is(err, ErrBadSignature))

	other := &RequestSigner{Secret: "other"}
	err = other.Verify("POST", "/api/rules", `{"kind":"dca"}`, h[HeaderTimestamp], h[HeaderSignature], now)
	assert.True(t, errors.Is(err, ErrBadSignature))

	assert.Equal(t, "RequestSigner{secret=s3cr****}", s.String())
}
