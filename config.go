package dlpfs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxTransferSize is the per-call read/write ceiling
	DefaultMaxTransferSize = 1024 * 1024

	// DefaultSegmentSize is the unit of parallel segment crypt
	DefaultSegmentSize = 64 * 1024
)

// Config contains engine-wide settings shared by containers and links
type Config struct {
	// MaxTransferSize caps a single Read or Write. Zero uses DefaultMaxTransferSize.
	MaxTransferSize int `yaml:"max_transfer_size" validate:"gte=0,lte=67108864"`

	// SegmentSize is the block-aligned size of one parallel crypt segment.
	// Zero uses DefaultSegmentSize.
	SegmentSize int `yaml:"segment_size" validate:"gte=0,lte=67108864"`

	// ParallelWorkers bounds concurrent segment crypt. Zero uses runtime.NumCPU().
	ParallelWorkers int `yaml:"parallel_workers" validate:"gte=0,lte=1024"`

	// WorkDir is the root under which archive containers materialize entries
	WorkDir string `yaml:"work_dir"`

	// Integrity selects the keyed hash for integrity tags
	Integrity IntegrityAlgorithm `yaml:"integrity" validate:"omitempty,oneof=hmac-sha256 blake3"`

	// Logger receives diagnostic messages. If nil, errors go to stderr.
	Logger *slog.Logger `yaml:"-" validate:"-"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		MaxTransferSize: DefaultMaxTransferSize,
		SegmentSize:     DefaultSegmentSize,
		ParallelWorkers: runtime.NumCPU(),
		WorkDir:         filepath.Join(os.TempDir(), "dlpfs"),
		Integrity:       IntegrityHMACSHA256,
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags
func (c *Config) Validate() error {
	if c == nil {
		return NewValidationError("config", nil, "config cannot be nil")
	}

	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return &ValidationError{
			Field:   "config",
			Message: fmt.Sprintf("validating configuration: %v", err),
		}
	}

	if c.SegmentSize%BlockSize != 0 {
		return NewValidationError("segment_size", c.SegmentSize,
			fmt.Sprintf("must be a multiple of %d", BlockSize))
	}
	return nil
}

// resolveConfig validates cfg and fills zero fields with defaults.
// The caller's Config is never modified.
func resolveConfig(cfg *Config) (*Config, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resolved := *cfg
	defaults := DefaultConfig()
	if resolved.MaxTransferSize == 0 {
		resolved.MaxTransferSize = defaults.MaxTransferSize
	}
	if resolved.SegmentSize == 0 {
		resolved.SegmentSize = defaults.SegmentSize
	}
	if resolved.ParallelWorkers == 0 {
		resolved.ParallelWorkers = defaults.ParallelWorkers
	}
	if resolved.WorkDir == "" {
		resolved.WorkDir = defaults.WorkDir
	}
	if resolved.Integrity == "" {
		resolved.Integrity = defaults.Integrity
	}
	resolved.Logger = defaultLogger(resolved.Logger)
	return &resolved, nil
}

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}
