package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/clusterd"
	"pkt.systems/clusterd/internal/pathutil"
	"pkt.systems/clusterd/internal/svcfields"
)

const shutdownTimeout = 10 * time.Second

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("CLUSTERD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "clusterd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// app carries the resolved configuration and logger into subcommands.
type app struct {
	base   pslog.Logger
	logger pslog.Logger
	cfg    clusterd.Config
}

// prepare loads the config file, binds flags and environment and applies
// the log level. Every subcommand runs it before doing work.
func (a *app) prepare(cmd *cobra.Command) error {
	cmd.SilenceUsage = true
	path, err := loadConfigFile()
	if err != nil {
		return err
	}
	a.logger = a.base
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		a.logger = a.logger.LogLevel(level)
	}
	if path != "" {
		svcfields.WithSubsystem(a.logger, "cli.config").Info("cli.config.loaded", "path", path)
	}
	a.cfg = bindConfig()
	return nil
}

func (a *app) open(ctx context.Context, opts ...clusterd.Option) (*clusterd.Node, error) {
	opts = append([]clusterd.Option{clusterd.WithLogger(a.logger)}, opts...)
	return clusterd.Open(ctx, a.cfg, opts...)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	a := &app{base: baseLogger, logger: baseLogger}
	cmd := &cobra.Command{
		Use:           "clusterd",
		Short:         "clusterd places partitioned resources on cluster instances and drives them through state models",
		SilenceErrors: true,
		Example: `
  # Create a cluster on etcd and describe a resource
  clusterd --store etcd://127.0.0.1:2379/clusterd --cluster orders admin init
  clusterd --cluster orders admin add-resource db --partitions 8 --state-model MasterSlave
  clusterd --cluster orders admin rebalance db --replicas 3

  # Run a controller candidate and a participant on this host
  CLUSTERD_CLUSTER=orders clusterd run --instance node-1

  # Local experiments with a persistent single-process store
  clusterd --store bolt:///tmp/clusterd.db --cluster demo run
`,
	}

	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.clusterd/"+clusterd.DefaultConfigFileName+")")
	pf.String("store", clusterd.DefaultStore, "coordination store URL (mem://, bolt:///path, etcd://host:2379[,host:2379][/prefix])")
	pf.String("cluster", "", "cluster name")
	pf.String("instance", "", "instance name (defaults to the host name)")
	pf.Duration("session-ttl", clusterd.DefaultSessionTTL, "session lifetime without heartbeats (etcd)")
	pf.Duration("sweep-interval", clusterd.DefaultSweepInterval, "periodic reconciliation and queue sweep interval")
	pf.Duration("message-timeout", clusterd.DefaultMessageTimeout, "how long a transition message may stay unacknowledged")
	pf.Int("workers", clusterd.DefaultWorkers, "partitions a participant transitions concurrently")
	pf.Int("store-retry-attempts", clusterd.DefaultStoreRetryMaxAttempts, "attempts for transient store errors")
	pf.Duration("store-retry-base-delay", clusterd.DefaultStoreRetryBaseDelay, "initial delay between store retries")
	pf.Duration("store-retry-max-delay", clusterd.DefaultStoreRetryMaxDelay, "upper bound for store retry delays")
	pf.Float64("store-retry-multiplier", clusterd.DefaultStoreRetryMultiplier, "store retry backoff multiplier")
	pf.String("metrics-listen", clusterd.DefaultMetricsListen, "Prometheus scrape address (empty disables)")
	pf.String("pprof-listen", clusterd.DefaultPprofListen, "pprof listen address (empty disables)")
	pf.Bool("enable-runtime-metrics", false, "export Go runtime metrics on the scrape endpoint")
	pf.String("otlp-endpoint", "", "OTLP collector for store spans (host:port, grpc[s]://, http[s]://)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("CLUSTERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"config", "store", "cluster", "instance", "session-ttl", "sweep-interval", "message-timeout", "workers",
		"store-retry-attempts", "store-retry-base-delay", "store-retry-max-delay", "store-retry-multiplier",
		"metrics-listen", "pprof-listen", "enable-runtime-metrics", "otlp-endpoint", "log-level",
	} {
		if err := viper.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newControllerCommand(a))
	cmd.AddCommand(newParticipantCommand(a))
	cmd.AddCommand(newRunCommand(a))
	cmd.AddCommand(newAdminCommand(a))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig() clusterd.Config {
	return clusterd.Config{
		Store:                 viper.GetString("store"),
		Cluster:               viper.GetString("cluster"),
		Instance:              viper.GetString("instance"),
		SessionTTL:            viper.GetDuration("session-ttl"),
		SweepInterval:         viper.GetDuration("sweep-interval"),
		MessageTimeout:        viper.GetDuration("message-timeout"),
		Workers:               viper.GetInt("workers"),
		StoreRetryMaxAttempts: viper.GetInt("store-retry-attempts"),
		StoreRetryBaseDelay:   viper.GetDuration("store-retry-base-delay"),
		StoreRetryMaxDelay:    viper.GetDuration("store-retry-max-delay"),
		StoreRetryMultiplier:  viper.GetFloat64("store-retry-multiplier"),
		MetricsListen:         viper.GetString("metrics-listen"),
		PprofListen:           viper.GetString("pprof-listen"),
		EnableRuntimeMetrics:  viper.GetBool("enable-runtime-metrics"),
		OTLPEndpoint:          viper.GetString("otlp-endpoint"),
	}
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := clusterd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, clusterd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
