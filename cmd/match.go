package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/pktt/pkg/pktt"
)

func newMatchCmd(a *app) *cobra.Command {
	var (
		flags    traceFlags
		all      bool
		reply    bool
		maxIndex int
	)
	cmd := &cobra.Command{
		Use:   "match EXPR FILE...",
		Short: "Print the packets of a trace matching an expression",
		Long: `
Search the given capture files for packets satisfying EXPR. Fields are
addressed as LAYER.field, e.g. RPC.xid or TCP.flags.syn.

Examples:
  pktt match 'RPC.procedure == 6' trace.pcap              # First READ call
  pktt match --all 'IP.src == re("^10\.")' trace.pcap     # Every packet from 10/8
  pktt match --all --reply 'RPC.procedure == 7 and RPC.type == 0' trace.pcap
                                                          # WRITE calls and their replies
`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pred, err := pktt.Compile(args[0])
			if err != nil {
				return err
			}
			out, err := a.printer(cmd, &flags)
			if err != nil {
				return err
			}
			tr, err := a.open(cmd, &flags, args[1:])
			if err != nil {
				return err
			}
			defer tr.Close()

			var opts []pktt.MatchOption
			if all {
				opts = append(opts, pktt.WithoutRewind())
			}
			if reply {
				opts = append(opts, pktt.WithReply())
			}
			if maxIndex >= 0 {
				opts = append(opts, pktt.WithMaxIndex(maxIndex))
			}

			matched := 0
			for {
				pkt, err := tr.MatchPredicate(pred, opts...)
				if err != nil {
					return err
				}
				if pkt == nil {
					break
				}
				matched++
				if err := out.print(pkt); err != nil {
					return err
				}
				if !all {
					break
				}
			}
			a.finish(tr)
			if err := out.close(); err != nil {
				return err
			}
			if matched == 0 {
				return fmt.Errorf("no packet matches %q", args[0])
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&all, "all", "a", false, "print every matching packet, not only the first")
	cmd.Flags().BoolVar(&reply, "reply", false, "also print the replies to matched calls")
	cmd.Flags().IntVar(&maxIndex, "max-index", -1, "stop searching before this packet index")
	return cmd
}
