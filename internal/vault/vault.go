// Package vault implements encrypted-at-rest storage: a lock/unlock gate
// over a PBKDF2-derived key, and a sealed-file container used for the
// catalog database and video segments.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/rekal-dev/rekal/internal/metrics"
)

// State is the gate's lifecycle position.
type State int

const (
	// Disabled means the vault has never been enabled; storage is plaintext.
	Disabled State = iota
	// Locked means the vault is enabled but no key is held; every catalog
	// operation must fail rather than fall back to plaintext.
	Locked
	// Unlocked means a derived key is held and sealed files are readable.
	Unlocked
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

var (
	// ErrLocked is returned for any operation that needs key material while
	// the vault is enabled but locked.
	ErrLocked = errors.New("vault is locked")
	// ErrDisabled is returned when a keyed operation runs without the vault
	// ever having been enabled.
	ErrDisabled = errors.New("vault is not enabled")
	// ErrBadPassphrase is returned when the derived key fails verification.
	ErrBadPassphrase = errors.New("passphrase does not match vault key")
	// ErrNotSealed is returned when unsealing a file that lacks the
	// container magic.
	ErrNotSealed = errors.New("file is not a sealed container")
)

// sqliteMagic is the plaintext SQLite file header. A sealed artifact that
// still carries it means sealing silently did not take effect.
var sqliteMagic = []byte("SQLite format 3\x00")

var sealMagic = []byte("RKLSEAL1")

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

// params is the persisted cipher configuration. The HMAC name pins the KDF
// digest a vault was created with; Unlock refuses names it cannot honor
// rather than deriving a key with the wrong digest.
type params struct {
	KDFIterations int    `json:"kdf_iterations"`
	HMAC          string `json:"hmac"`
}

// Gate governs access to key material. All methods are safe for concurrent
// use; Unlock and Lock are idempotent.
type Gate struct {
	mu    sync.Mutex
	dir   string
	state State
	key   []byte
}

// NewGate creates a gate rooted at the given vault directory. If the
// directory holds vault parameters the gate starts Locked, else Disabled.
func NewGate(dir string) *Gate {
	g := &Gate{dir: dir, state: Disabled}
	if _, err := os.Stat(filepath.Join(dir, "params.json")); err == nil {
		g.state = Locked
	}
	return g
}

// State returns the current gate state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Enabled reports whether the vault has ever been enabled.
func (g *Gate) Enabled() bool {
	return g.State() != Disabled
}

// Enable initializes the vault with a fresh salt and the given KDF iteration
// count, derives the key, and leaves the gate unlocked. Enabling an already
// enabled vault is an error; there is no rekey path here.
func (g *Gate) Enable(passphrase string, iterations int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Disabled {
		return fmt.Errorf("vault already enabled")
	}
	if iterations <= 0 {
		iterations = 256_000
	}
	if err := os.MkdirAll(g.dir, 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(g.dir, "salt"), salt, 0o600); err != nil {
		return fmt.Errorf("write salt: %w", err)
	}

	p := params{KDFIterations: iterations, HMAC: "sha256"}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode vault params: %w", err)
	}
	if err := os.WriteFile(filepath.Join(g.dir, "params.json"), data, 0o600); err != nil {
		return fmt.Errorf("write vault params: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)

	// Key-check value so a later unlock can verify the passphrase without
	// touching real data.
	check, err := sealBytes(key, []byte("rekal-vault-check"))
	if err != nil {
		return fmt.Errorf("write key check: %w", err)
	}
	if err := os.WriteFile(filepath.Join(g.dir, "check"), check, 0o600); err != nil {
		return fmt.Errorf("write key check: %w", err)
	}

	g.key = key
	g.state = Unlocked
	slog.Info("vault enabled", "iterations", iterations)
	return nil
}

// Unlock derives the key from the passphrase and verifies it against the
// stored key-check value. Unlocking an already unlocked vault is a no-op.
func (g *Gate) Unlock(passphrase string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case Disabled:
		return ErrDisabled
	case Unlocked:
		return nil
	}

	salt, err := os.ReadFile(filepath.Join(g.dir, "salt"))
	if err != nil {
		return fmt.Errorf("read salt: %w", err)
	}
	var p params
	data, err := os.ReadFile(filepath.Join(g.dir, "params.json"))
	if err != nil {
		return fmt.Errorf("read vault params: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse vault params: %w", err)
	}
	if p.HMAC != "sha256" {
		return fmt.Errorf("unsupported vault hmac %q", p.HMAC)
	}
	if p.KDFIterations <= 0 {
		return fmt.Errorf("invalid vault kdf iterations: %d", p.KDFIterations)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, p.KDFIterations, keySize, sha256.New)

	check, err := os.ReadFile(filepath.Join(g.dir, "check"))
	if err != nil {
		return fmt.Errorf("read key check: %w", err)
	}
	if _, err := unsealBytes(key, check); err != nil {
		return ErrBadPassphrase
	}

	g.key = key
	g.state = Unlocked
	slog.Info("vault unlocked")
	return nil
}

// Lock discards the key. Locking a locked or disabled vault is a no-op.
func (g *Gate) Lock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Unlocked {
		return
	}
	for i := range g.key {
		g.key[i] = 0
	}
	g.key = nil
	g.state = Locked
	slog.Info("vault locked")
}

// snapshotKey returns a copy of the held key, or the error describing why
// none is available.
func (g *Gate) snapshotKey() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case Disabled:
		return nil, ErrDisabled
	case Locked:
		return nil, ErrLocked
	}
	key := make([]byte, len(g.key))
	copy(key, g.key)
	return key, nil
}

// Seal encrypts src into the sealed container at dst. dst is written via a
// temp file and rename so readers never observe a partial container.
func (g *Gate) Seal(src, dst string) error {
	key, err := g.snapshotKey()
	if err != nil {
		return err
	}
	plain, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	sealed, err := sealBytes(key, plain)
	if err != nil {
		return fmt.Errorf("seal %s: %w", src, err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write sealed file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("replace sealed file: %w", err)
	}
	return nil
}

// Unseal decrypts the sealed container at src into dst.
func (g *Gate) Unseal(src, dst string) error {
	key, err := g.snapshotKey()
	if err != nil {
		return err
	}
	sealed, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	plain, err := unsealBytes(key, sealed)
	if err != nil {
		return fmt.Errorf("unseal %s: %w", src, err)
	}
	if err := os.WriteFile(dst, plain, 0o600); err != nil {
		return fmt.Errorf("write unsealed file: %w", err)
	}
	return nil
}

// VerifySealedHeader audits a sealed artifact after writing it. A sealed
// file that still begins with the plaintext SQLite magic means encryption
// silently did not take effect; that is surfaced loudly but is not fatal.
func VerifySealedHeader(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return true
	}
	for i := range header {
		if header[i] != sqliteMagic[i] {
			return true
		}
	}
	metrics.IntegrityWarningsTotal.Add(1)
	slog.Warn("sealed file still carries plaintext header; encryption did not take effect", "path", path)
	return false
}

// IsSealed reports whether the file at path carries the sealed-container
// magic.
func IsSealed(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	header := make([]byte, len(sealMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return false
	}
	for i := range header {
		if header[i] != sealMagic[i] {
			return false
		}
	}
	return true
}

func sealBytes(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(sealMagic)+nonceSize+len(plain)+gcm.Overhead())
	out = append(out, sealMagic...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plain, nil), nil
}

func unsealBytes(key, sealed []byte) ([]byte, error) {
	if len(sealed) < len(sealMagic)+nonceSize {
		return nil, ErrNotSealed
	}
	for i := range sealMagic {
		if sealed[i] != sealMagic[i] {
			return nil, ErrNotSealed
		}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := sealed[len(sealMagic) : len(sealMagic)+nonceSize]
	return gcm.Open(nil, nonce, sealed[len(sealMagic)+nonceSize:], nil)
}
