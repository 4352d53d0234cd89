package cmd

import (
	"errors"
	"io"

	"github.com/spf13/cobra"
)

func newDecodeCmd(a *app) *cobra.Command {
	var (
		flags traceFlags
		count int
	)
	cmd := &cobra.Command{
		Use:   "decode FILE...",
		Short: "Print the decoded packets of a trace",
		Long: `
Decode every packet of the given capture files and print it. Several files
are merged by capture timestamp.

Examples:
  pktt decode trace.pcap                    # One line per packet
  pktt decode -v trace.pcap.gz              # One line per decoded layer
  pktt decode -f yaml -n 10 a.pcap b.pcap   # First 10 merged packets as YAML
  pktt decode --live /tmp/capture.pcap      # Follow a running capture
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.printer(cmd, &flags)
			if err != nil {
				return err
			}
			tr, err := a.open(cmd, &flags, args)
			if err != nil {
				return err
			}
			defer tr.Close()

			for n := 0; count <= 0 || n < count; n++ {
				pkt, err := tr.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				if err := out.print(pkt); err != nil {
					return err
				}
			}
			a.finish(tr)
			return out.close()
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many packets (0 for all)")
	return cmd
}
