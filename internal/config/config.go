// Package config loads rekal settings from a YAML file. Settings are re-read
// from disk on every Load so long-running maintenance observes edits made
// while it runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that round-trips through YAML as a string
// like "90s" or "72h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings is the full on-disk configuration.
type Settings struct {
	// StorageRoot is the directory holding the catalog and all media.
	StorageRoot string `yaml:"storage_root"`

	Dedup     DedupSettings     `yaml:"dedup"`
	Compact   CompactSettings   `yaml:"compact"`
	Retention RetentionSettings `yaml:"retention"`
	Vault     VaultSettings     `yaml:"vault"`
	Embedding EmbeddingSettings `yaml:"embedding"`

	// VideoMode records captures as rolling video segments instead of
	// standalone images.
	VideoMode bool `yaml:"video_mode"`
}

// DedupSettings controls near-duplicate suppression at capture time.
type DedupSettings struct {
	// Threshold is the Hamming distance below which a frame is considered
	// a duplicate of the last accepted one.
	Threshold int `yaml:"threshold"`
	// MaxInterval bounds staleness: a frame is always accepted once this
	// much time has passed since the last accepted frame.
	MaxInterval Duration `yaml:"max_interval"`
}

// CompactSettings controls lossy re-encoding of aging image captures.
type CompactSettings struct {
	// Age is how old an entry must be before it is compacted.
	Age Duration `yaml:"age"`
	// JPEGQuality is the re-encode quality (1-100).
	JPEGQuality int `yaml:"jpeg_quality"`
	// MaxDimension caps the longer edge of re-encoded images.
	MaxDimension int `yaml:"max_dimension"`
}

// RetentionSettings controls the global purge window.
type RetentionSettings struct {
	// Window is how long entries are kept. Zero disables purging.
	Window Duration `yaml:"window"`
	// BackupDir, when set, receives purged media files instead of deletion.
	BackupDir string `yaml:"backup_dir"`
}

// VaultSettings controls encrypted-at-rest storage.
type VaultSettings struct {
	Enabled bool `yaml:"enabled"`
	// KDFIterations is the PBKDF2 iteration count used at unlock.
	KDFIterations int `yaml:"kdf_iterations"`
}

// EmbeddingSettings identifies the vector provider.
type EmbeddingSettings struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// Defaults returns the settings used when no file exists yet.
func Defaults() Settings {
	home, _ := os.UserHomeDir()
	return Settings{
		StorageRoot: filepath.Join(home, ".rekal"),
		Dedup: DedupSettings{
			Threshold:   5,
			MaxInterval: Duration(2 * time.Minute),
		},
		Compact: CompactSettings{
			Age:          Duration(72 * time.Hour),
			JPEGQuality:  40,
			MaxDimension: 1280,
		},
		Retention: RetentionSettings{
			Window: Duration(90 * 24 * time.Hour),
		},
		Vault: VaultSettings{
			KDFIterations: 256_000,
		},
		Embedding: EmbeddingSettings{
			BaseURL: "http://localhost:11434",
			Model:   "nomic-embed-text",
		},
	}
}

// Store reads and writes the settings file.
type Store struct {
	path string
}

// NewStore creates a store for the given settings file path.
// If path is empty, defaults to ~/.rekal/config.yaml.
func NewStore(path string) *Store {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".rekal", "config.yaml")
	}
	return &Store{path: path}
}

// Path returns the settings file path.
func (s *Store) Path() string { return s.path }

// Load reads the settings file from disk. A missing file yields defaults.
// Unknown keys are ignored; malformed YAML is an error.
func (s *Store) Load() (Settings, error) {
	cfg := Defaults()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse settings: %w", err)
	}
	return cfg, nil
}

// Save writes the settings file, creating its directory if needed.
func (s *Store) Save(cfg Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// SetStorageRoot persists a new storage root, preserving all other settings.
func (s *Store) SetStorageRoot(root string) error {
	cfg, err := s.Load()
	if err != nil {
		return err
	}
	cfg.StorageRoot = root
	return s.Save(cfg)
}
