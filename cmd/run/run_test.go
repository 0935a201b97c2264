package run

import (
	"bytes"
	"io"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/tailsync/pkg/config"
	"github.com/sidkik/tailsync/pkg/errors"
	"github.com/sidkik/tailsync/pkg/protocol"
)

func mockIO(t *testing.T, in []byte) *bytes.Buffer {
	var out bytes.Buffer
	stdin = bytes.NewReader(in)
	stdout = &out
	t.Cleanup(func() {
		stdin = os.Stdin
		stdout = os.Stdout
		parseConfig = config.Parse
		log.SetOutput(os.Stderr)
		log.SetLevel(log.InfoLevel)
	})
	return &out
}

func TestRun(t *testing.T) {
	out := mockIO(t, nil)
	var parsedPath string
	parseConfig = func(path string) (config.Config, error) {
		parsedPath = path
		cfg := config.Default()
		cfg.Watch = false
		return cfg, nil
	}

	require.NoError(t, run("/etc/tailsync.yaml", false))
	assert.Equal(t, "/etc/tailsync.yaml", parsedPath)

	dec := protocol.NewDecoder(out)
	p, err := dec.Decode()
	require.NoError(t, err)
	assert.IsType(t, protocol.Announce{}, p)

	_, err = dec.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestRunVerbose(t *testing.T) {
	mockIO(t, nil)
	parseConfig = func(string) (config.Config, error) {
		cfg := config.Default()
		cfg.Watch = false
		return cfg, nil
	}

	require.NoError(t, run("", true))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
}

func TestRunBadConfig(t *testing.T) {
	mockIO(t, nil)
	parseConfig = func(string) (config.Config, error) {
		return config.Config{}, errors.New("bad config")
	}

	assert.EqualError(t, run("", false), "load config: bad config")
}
