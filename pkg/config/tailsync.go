package config

import (
	"fmt"
	"time"

	"github.com/gobwas/glob"
	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/tailsync/pkg/errors"
	"github.com/sidkik/tailsync/pkg/protocol"
)

const (
	// DefaultPath is where the config is read from when no path is given.
	DefaultPath = "~/.tailsync.yaml"

	// InitialVersion is the first version of the config. Config files that
	// do not specify a version default to this version.
	InitialVersion = "v1alpha1"

	// SupportedVersion is the config version understood by this binary.
	SupportedVersion = "v1alpha1"
)

// Config tunes the engine. Every field is optional.
type Config struct {
	Version string `json:"version,omitempty"`

	// IdleIntervalMillis is how long the engine waits between poll passes
	// when nothing is changing.
	IdleIntervalMillis int `json:"idleIntervalMillis,omitempty"`

	// ProbeSize is how much of a file is hashed when it's first offered to
	// a peer that doesn't have it.
	ProbeSize int64 `json:"probeSize,omitempty"`

	// MaxReadSize bounds the bytes read from a file in one step, and so the
	// size of a TAIL_BLOCK.
	MaxReadSize int64 `json:"maxReadSize,omitempty"`

	// MaxDepth limits how far below an opened path the engine descends. Zero
	// means no limit.
	MaxDepth int `json:"maxDepth,omitempty"`

	// Ignore lists glob patterns for base names that are never monitored
	// when expanding globs and directories.
	Ignore []string `json:"ignore,omitempty"`

	// Watch enables filesystem notifications that cut the idle wait short.
	Watch bool `json:"watch"`

	// LogFile sends diagnostics to a rotated file instead of stderr.
	LogFile string `json:"logFile,omitempty"`

	LogLevel string `json:"logLevel,omitempty"`
}

// Default returns the config used for anything the config file leaves out.
func Default() Config {
	return Config{
		Version:            InitialVersion,
		IdleIntervalMillis: 1000,
		ProbeSize:          32 * 1024,
		MaxReadSize:        4 * 1024 * 1024,
		Watch:              true,
		LogLevel:           "info",
	}
}

// IdleInterval returns IdleIntervalMillis as a duration.
func (c Config) IdleInterval() time.Duration {
	return time.Duration(c.IdleIntervalMillis) * time.Millisecond
}

// IgnorePatterns compiles the Ignore patterns.
func (c Config) IgnorePatterns() ([]glob.Glob, error) {
	var patterns []glob.Glob
	for _, pattern := range c.Ignore {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.InvalidFieldError{
				Field:  "ignore",
				Reason: fmt.Sprintf("bad pattern %q: %s", pattern, err),
			}
		}
		patterns = append(patterns, compiled)
	}
	return patterns, nil
}

// Level returns the parsed LogLevel.
func (c Config) Level() (log.Level, error) {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, errors.InvalidFieldError{Field: "logLevel", Reason: err.Error()}
	}
	return level, nil
}

// Validate checks that the config can be used to run the engine.
func (c Config) Validate() error {
	switch {
	case c.IdleIntervalMillis <= 0:
		return errors.InvalidFieldError{Field: "idleIntervalMillis", Reason: "must be positive"}
	case c.ProbeSize <= 0:
		return errors.InvalidFieldError{Field: "probeSize", Reason: "must be positive"}
	case c.MaxReadSize <= 0:
		return errors.InvalidFieldError{Field: "maxReadSize", Reason: "must be positive"}
	case c.MaxReadSize > protocol.MaxFieldLength:
		return errors.InvalidFieldError{Field: "maxReadSize",
			Reason: fmt.Sprintf("must be at most %d", protocol.MaxFieldLength)}
	case c.ProbeSize > c.MaxReadSize:
		return errors.InvalidFieldError{Field: "probeSize", Reason: "must not exceed maxReadSize"}
	case c.MaxDepth < 0:
		return errors.InvalidFieldError{Field: "maxDepth", Reason: "must not be negative"}
	}

	if _, err := c.IgnorePatterns(); err != nil {
		return err
	}
	_, err := c.Level()
	return err
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// Parse reads the config at `path`, or at DefaultPath if `path` is empty.
// A missing default config isn't an error: the defaults are used instead.
func Parse(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	expanded, err := homedirExpand(path)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	config := Default()
	if err := readConfig(expanded, &config); err != nil {
		if _, ok := err.(errors.FileNotFound); ok && !explicit {
			return Default(), nil
		}
		return Config{}, errors.WithContext(err, "parse")
	}

	if err := config.Validate(); err != nil {
		return Config{}, errors.WithContext(err, "validate")
	}

	if config.LogFile != "" {
		config.LogFile, err = homedirExpand(config.LogFile)
		if err != nil {
			return Config{}, errors.WithContext(err, "expand log file path")
		}
	}
	return config, nil
}
