package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateStartsDisabled(t *testing.T) {
	g := NewGate(filepath.Join(t.TempDir(), "vault"))
	assert.Equal(t, Disabled, g.State())
	assert.False(t, g.Enabled())
}

func TestEnableUnlockLockCycle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	g := NewGate(dir)

	require.NoError(t, g.Enable("correct horse", 1000))
	assert.Equal(t, Unlocked, g.State())

	g.Lock()
	assert.Equal(t, Locked, g.State())
	g.Lock() // idempotent
	assert.Equal(t, Locked, g.State())

	require.NoError(t, g.Unlock("correct horse"))
	assert.Equal(t, Unlocked, g.State())
	require.NoError(t, g.Unlock("correct horse")) // idempotent
}

func TestGateRediscoversEnabledVault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	g := NewGate(dir)
	require.NoError(t, g.Enable("pw", 1000))

	// a fresh gate over the same directory starts locked, not disabled
	g2 := NewGate(dir)
	assert.Equal(t, Locked, g2.State())
}

func TestUnlockWrongPassphrase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	g := NewGate(dir)
	require.NoError(t, g.Enable("right", 1000))
	g.Lock()

	err := g.Unlock("wrong")
	assert.ErrorIs(t, err, ErrBadPassphrase)
	assert.Equal(t, Locked, g.State())
}

func TestUnlockRejectsUnsupportedHMAC(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	g := NewGate(dir)
	require.NoError(t, g.Enable("pw", 1000))

	// a vault created with a digest this build cannot honor must refuse to
	// unlock rather than derive a key with the wrong one
	paramsPath := filepath.Join(dir, "params.json")
	require.NoError(t, os.WriteFile(paramsPath,
		[]byte(`{"kdf_iterations": 1000, "hmac": "sha512"}`), 0o600))

	g2 := NewGate(dir)
	err := g2.Unlock("pw")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadPassphrase)
	assert.Contains(t, err.Error(), "unsupported vault hmac")
	assert.Equal(t, Locked, g2.State())
}

func TestUnlockRejectsInvalidIterations(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	g := NewGate(dir)
	require.NoError(t, g.Enable("pw", 1000))

	paramsPath := filepath.Join(dir, "params.json")
	require.NoError(t, os.WriteFile(paramsPath,
		[]byte(`{"kdf_iterations": 0, "hmac": "sha256"}`), 0o600))

	g2 := NewGate(dir)
	err := g2.Unlock("pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid vault kdf iterations")
}

func TestUnlockDisabledVault(t *testing.T) {
	g := NewGate(filepath.Join(t.TempDir(), "vault"))
	assert.ErrorIs(t, g.Unlock("pw"), ErrDisabled)
}

func TestSealUnsealRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	g := NewGate(filepath.Join(tmp, "vault"))
	require.NoError(t, g.Enable("pw", 1000))

	src := filepath.Join(tmp, "plain.bin")
	sealed := filepath.Join(tmp, "plain.bin.sealed")
	restored := filepath.Join(tmp, "restored.bin")
	content := []byte("SQLite format 3\x00 pretend database body")
	require.NoError(t, os.WriteFile(src, content, 0o600))

	require.NoError(t, g.Seal(src, sealed))
	assert.True(t, IsSealed(sealed))
	assert.True(t, VerifySealedHeader(sealed), "sealed file must not carry plaintext magic")

	require.NoError(t, g.Unseal(sealed, restored))
	got, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSealFailsWhileLocked(t *testing.T) {
	tmp := t.TempDir()
	g := NewGate(filepath.Join(tmp, "vault"))
	require.NoError(t, g.Enable("pw", 1000))
	g.Lock()

	src := filepath.Join(tmp, "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))
	err := g.Seal(src, src+".sealed")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestUnsealRejectsPlainFile(t *testing.T) {
	tmp := t.TempDir()
	g := NewGate(filepath.Join(tmp, "vault"))
	require.NoError(t, g.Enable("pw", 1000))

	plain := filepath.Join(tmp, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("not a container"), 0o600))
	err := g.Unseal(plain, plain+".out")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotSealed))
}

func TestVerifySealedHeaderDetectsPlaintext(t *testing.T) {
	tmp := t.TempDir()
	leaked := filepath.Join(tmp, "db.sqlite.sealed")
	require.NoError(t, os.WriteFile(leaked, []byte("SQLite format 3\x00...."), 0o600))
	assert.False(t, VerifySealedHeader(leaked))
}

func TestIsSealedOnMissingFile(t *testing.T) {
	assert.False(t, IsSealed(filepath.Join(t.TempDir(), "nope")))
}
