package version

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sidkik/tailsync/pkg/protocol"
	"github.com/sidkik/tailsync/pkg/version"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of tailsync.",
		Long: "Print the version of tailsync, and the Go runtime and protocol\n" +
			"digest it was built with.",
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			run()
		},
	}
}

func run() {
	fmt.Fprintf(stdout, "version: %s\n", version.Version)
	fmt.Fprintf(stdout, "go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(stdout, "digest:  sha256 (%d bytes)\n", protocol.HashSize)
}
