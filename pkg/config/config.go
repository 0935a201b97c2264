package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/tailsync/pkg/errors"
)

// parseConfigErrTemplate is shown when the YAML in a config file doesn't fit
// Config. The parser's errors don't say which line is at fault, so the
// operator gets a checklist and the raw message.
const parseConfigErrTemplate = "The tailsync config at %q could not be parsed.\n" +
	"Check that:\n" +
	" - sizes, intervals and maxDepth are plain integers\n" +
	" - ignore is a list of quoted glob patterns\n" +
	" - only documented fields are set\n\n" +
	"Parser error: %s"

// incompatibleVersionError is returned for a config file written for a
// different config version. It's checked before unknown fields, since those
// are expected in other versions.
type incompatibleVersionError struct {
	path, want, got string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The tailsync config at %q has version %q, "+
		"but this binary only understands %q.", err.path, err.got, err.want)
}

// readConfig layers the file at `path` over `cfg`.
func readConfig(path string, cfg *Config) error {
	contents, err := afero.ReadFile(fs, path)
	switch {
	case os.IsNotExist(err):
		return errors.FileNotFound{Path: path}
	case err != nil:
		return errors.WithContext(err, "read file")
	}

	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	if cfg.Version != SupportedVersion {
		return incompatibleVersionError{path: path, want: SupportedVersion, got: cfg.Version}
	}

	if err := yaml.UnmarshalStrict(contents, cfg, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}
