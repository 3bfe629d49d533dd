package main

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rowbus/internal/checkpoint"
	"rowbus/internal/config"
	"rowbus/internal/engine"
	"rowbus/internal/health"
	"rowbus/internal/logging"
	"rowbus/internal/metrics"
	"rowbus/internal/model"
	"rowbus/internal/scheduler"
)

func newRootCommand() *cobra.Command {
	var once bool
	root := &cobra.Command{
		Use:   "rowbus",
		Short: "Mirror newly appended database rows onto a message bus",
		Long: `rowbus polls the configured tables on a fixed cadence and publishes every
row appended since the last pass as one retained message.

Running rowbus without a subcommand is the same as "rowbus sync".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), once)
		},
	}
	root.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")

	root.AddCommand(newSyncCommand())
	root.AddCommand(newCheckConfigCommand())
	root.AddCommand(newWatermarksCommand())
	return root
}

func newSyncCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:          "sync",
		Short:        "Run sync cycles until interrupted",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

func newCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "check-config",
		Short:        "Validate configuration and the sources file, then exit",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "driver %s, bus %s on %q, checkpoint %s, every %s\n",
				cfg.DBDriver, cfg.BusKind, cfg.BusChannel, cfg.CheckpointBackend, cfg.CycleInterval)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tEVENT TIME\tQUERY")
			for _, s := range cfg.Sources {
				query := s.Query
				if query == "" {
					query = "(whole table)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.EventTimeColumn, query)
			}
			return tw.Flush()
		},
	}
}

func newWatermarksCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "watermarks",
		Short:        "Print the persisted watermark of every source",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Only the checkpoint settings matter here; a missing sources file is fine.
			cfg, _ := config.Load()
			ctx := cmd.Context()
			store, cleanup, err := newCheckpointStore(ctx, cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer cleanup()
			set, err := store.Load(ctx)
			if err != nil {
				return err
			}
			return printWatermarks(cmd, set)
		},
	}
}

func printWatermarks(cmd *cobra.Command, set model.WatermarkSet) error {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tWATERMARK")
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%s\n", name, model.FormatWatermark(set[name]))
	}
	return tw.Flush()
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runSync(parent context.Context, once bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	configureProfiling(cfg.Debug)
	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	policy, err := engine.ParseInvalidRowPolicy(cfg.InvalidRowPolicy)
	if err != nil {
		return err
	}
	connector, err := buildConnector(cfg, logger)
	if err != nil {
		return err
	}
	pub, err := buildPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = pub.Close() }()

	store, cleanup, err := newCheckpointStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	ckpt := checkpoint.NewManager(store, logger)
	ckpt.Load(ctx)

	stats := metrics.NewStats()
	eng := engine.NewEngine(pub, ckpt, engine.Options{
		Channel:          cfg.BusChannel,
		PublishRetries:   cfg.PublishRetries,
		InvalidRowPolicy: policy,
	}, stats, logger)
	sched := scheduler.New(connector, eng, cfg.Sources, scheduler.Options{
		Interval: cfg.CycleInterval,
		Parallel: cfg.Parallel,
		Bus:      pub,
	}, stats, logger)

	logger.Info("starting rowbus",
		zap.Bool("debug", cfg.Debug),
		zap.String("driver", cfg.DBDriver),
		zap.String("bus", cfg.BusKind),
		zap.String("channel", cfg.BusChannel),
		zap.String("checkpoint", cfg.CheckpointBackend),
		zap.Int("sources", len(cfg.Sources)),
		zap.Duration("interval", cfg.CycleInterval),
		zap.Bool("once", once))

	if once {
		return firstFailure(sched.RunOnce(ctx))
	}

	health.Start(ctx, cfg.HealthAddr, sched, logger)
	logger.Info("prometheus metrics available", zap.String("endpoint", cfg.HealthAddr+"/metrics"))
	metrics.NewReporter(cfg.MetricsReportInterval, stats.Counters(), stats.Gauges(), logger).Start(ctx)

	return sched.Run(ctx)
}

// Replaced in tests.
var (
	setBlockProfileRate     = runtime.SetBlockProfileRate
	setMutexProfileFraction = runtime.SetMutexProfileFraction
)

// configureProfiling turns on block and mutex profiles for /debug/pprof in debug
// mode only; both sample every event.
func configureProfiling(debug bool) {
	if !debug {
		return
	}
	setBlockProfileRate(1)
	setMutexProfileFraction(1)
}

// firstFailure turns a single-cycle result into the command's exit status.
func firstFailure(results []engine.Result) error {
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("source %s: %w", r.Source, r.Err)
		}
	}
	return nil
}
