// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"firestige.xyz/pktt/internal/config"
	"firestige.xyz/pktt/internal/log"
	"firestige.xyz/pktt/internal/metrics"
	"firestige.xyz/pktt/pkg/pktt"
)

// app carries the state shared by the subcommands of one invocation.
type app struct {
	configFile string

	cfg     *config.Config
	logger  log.Logger
	metrics *metrics.Server
}

// newRootCmd builds the command tree. Tests build a fresh tree per run.
func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "pktt",
		Short: "pktt - decode and search NFS network traces",
		Long: `pktt decodes pcap captures down to the RPC layer, reassembling TCP
streams and RDMA messages and pairing every RPC reply with its call.

Features:
  - Plain, gzip compressed, and multi-file captures merged by timestamp
  - Live capture following with rotated file switching
  - Boolean match expressions over any decoded field`,
		Version:            "0.1.0",
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	// Global flags
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "",
		"config file path (defaults apply when empty)")

	// Add subcommands
	root.AddCommand(newDecodeCmd(a))
	root.AddCommand(newMatchCmd(a))
	return root
}

// Execute runs the root command. This is called by main.main().
func Execute() error {
	return newRootCmd().Execute()
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	if err := log.Init(&cfg.Log); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = log.GetLogger().WithField("command", cmd.Name())

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, a.logger)
		if err := a.metrics.Start(cmd.Context()); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	if a.metrics == nil {
		return nil
	}
	return a.metrics.Stop(context.Background())
}

// traceFlags are the trace options shared by decode and match.
type traceFlags struct {
	live    bool
	filter  string
	format  string
	verbose int
}

func (f *traceFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.live, "live", false, "follow a capture that is still being written")
	cmd.Flags().StringVar(&f.filter, "filter", "", "BPF program as printed by tcpdump -ddd")
	cmd.Flags().StringVarP(&f.format, "format", "f", formatText, "output format (text/yaml)")
	cmd.Flags().CountVarP(&f.verbose, "verbose", "v", "print layers (-v) or every field (-vv)")
}

// open opens the trace at paths with the configured options, letting
// explicitly set flags override the configuration file.
func (a *app) open(cmd *cobra.Command, f *traceFlags, paths []string) (*pktt.Trace, error) {
	opts := pktt.Options{
		Live:         a.cfg.Trace.Live,
		LiveTimeout:  a.cfg.Trace.LiveTimeout,
		PollInterval: a.cfg.Trace.PollInterval,
		Filter:       a.cfg.Trace.BPF,
		Logger:       a.logger,
	}
	if cmd.Flags().Changed("live") {
		opts.Live = f.live
	}
	if f.filter != "" {
		opts.Filter = f.filter
	}
	return pktt.Open(opts, paths...)
}

// printer builds the output printer for cmd.
func (a *app) printer(cmd *cobra.Command, f *traceFlags) (*printer, error) {
	verbosity := a.cfg.Trace.Verbosity
	if f.verbose > 0 {
		verbosity = f.verbose
	}
	if verbosity > config.VerbosityFields {
		verbosity = config.VerbosityFields
	}
	return newPrinter(cmd.OutOrStdout(), f.format, verbosity)
}

// finish reports the state the trace was left in.
func (a *app) finish(tr *pktt.Trace) {
	if tr.Truncated() {
		a.logger.Warn("capture ends in the middle of a record")
	}
	if pending := tr.PendingCalls(); len(pending) > 0 {
		a.logger.WithField("count", len(pending)).Info("calls without reply")
	}
}
