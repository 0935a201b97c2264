package run

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/tailsync/cmd/util"
	"github.com/sidkik/tailsync/pkg/config"
	"github.com/sidkik/tailsync/pkg/engine"
	"github.com/sidkik/tailsync/pkg/errors"
	"github.com/sidkik/tailsync/pkg/version"
)

// Mocked for unit testing.
var (
	stdin       io.Reader = os.Stdin
	stdout      io.Writer = os.Stdout
	parseConfig           = config.Parse
)

// New creates a new `run` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve a tailing session over stdin and stdout",
		Long: "Serve a tailing session with the peer on the other end of stdin\n" +
			"and stdout. This is normally started by the peer over ssh rather\n" +
			"than by hand. Diagnostics are written to stderr or the configured\n" +
			"log file.",
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			if err := run(configPath, verbose); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "",
		"Path to the config file. Defaults to "+config.DefaultPath)
	return cmd
}

func run(configPath string, verbose bool) error {
	cfg, err := parseConfig(configPath)
	if err != nil {
		return errors.WithContext(err, "load config")
	}

	logCloser, err := util.SetupLogging(cfg, verbose)
	if err != nil {
		return errors.WithContext(err, "setup logging")
	}
	defer logCloser.Close()

	log.WithFields(log.Fields{
		"version": version.Version,
		"pid":     os.Getpid(),
	}).Info("Starting tailsync")

	e, err := engine.New(cfg, stdout)
	if err != nil {
		return errors.WithContext(err, "create engine")
	}

	// The first signal ends the session. Once it has been caught, the
	// default handling is restored so that another signal kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	context.AfterFunc(ctx, stop)
	return errors.WithContext(e.Run(ctx, stdin), "run engine")
}
