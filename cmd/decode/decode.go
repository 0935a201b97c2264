package decode

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/tailsync/cmd/util"
	"github.com/sidkik/tailsync/pkg/errors"
	"github.com/sidkik/tailsync/pkg/protocol"
)

// Mocked for unit testing.
var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
)

// New creates a new `decode` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [file]",
		Short: "Print a captured packet stream in a readable form",
		Long: "Print one line for every packet in a captured packet stream.\n" +
			"The stream is read from stdin if no file is given.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			in := stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					util.HandleFatalError(errors.WithContext(err, "open capture"))
				}
				defer f.Close()
				in = f
			}

			if err := decode(in, stdout); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func decode(in io.Reader, out io.Writer) error {
	dec := protocol.NewDecoder(in)
	for i := 0; ; i++ {
		p, err := dec.Decode()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("decode packet %d", i))
		}
		fmt.Fprintln(out, describe(p))
	}
}

// describe formats a packet on a single line. File contents are summarized
// by their length.
func describe(p protocol.Packet) string {
	switch p := p.(type) {
	case protocol.TailBlock:
		return fmt.Sprintf("%s {RootPath:%s Path:%s MTime:%d Offset:%d Bits:<%d bytes>}",
			p.Type(), p.RootPath, p.Path, p.MTime, p.Offset, len(p.Bits))
	case protocol.PreviewData:
		return fmt.Sprintf("%s {ID:%d Path:%s Bits:<%d bytes>}",
			p.Type(), p.ID, p.Path, len(p.Bits))
	default:
		return fmt.Sprintf("%s %+v", p.Type(), p)
	}
}
