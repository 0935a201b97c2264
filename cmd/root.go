package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/tailsync/cmd/decode"
	"github.com/sidkik/tailsync/cmd/run"
	"github.com/sidkik/tailsync/cmd/util"
	"github.com/sidkik/tailsync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "TAILSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		util.HandleFatalError(err)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tailsync",
		Short:        "Stream growing files on this host to a remote peer",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("verbose", os.Getenv(verboseLogKey) == "true",
		"Log debug events. Can also be enabled with "+verboseLogKey+"=true")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			log.SetLevel(log.DebugLevel)
		}
	}

	rootCmd.AddCommand(
		decode.New(),
		run.New(),
		version.New(),
	)
	return rootCmd
}
