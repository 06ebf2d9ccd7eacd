package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/clusterd"
	"pkt.systems/clusterd/internal/pathutil"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage clusterd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.clusterd/" + clusterd.DefaultConfigFileName
	if dir, err := clusterd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, clusterd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default clusterd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath != "" {
				expanded, err := pathutil.Expand(outPath)
				if err != nil {
					return fmt.Errorf("expand output path: %w", err)
				}
				outPath = expanded
			} else {
				dir, err := clusterd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, clusterd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Store                string  `yaml:"store"`
	Cluster              string  `yaml:"cluster"`
	Instance             string  `yaml:"instance"`
	SessionTTL           string  `yaml:"session-ttl"`
	SweepInterval        string  `yaml:"sweep-interval"`
	MessageTimeout       string  `yaml:"message-timeout"`
	Workers              int     `yaml:"workers"`
	StoreRetryAttempts   int     `yaml:"store-retry-attempts"`
	StoreRetryBaseDelay  string  `yaml:"store-retry-base-delay"`
	StoreRetryMaxDelay   string  `yaml:"store-retry-max-delay"`
	StoreRetryMultiplier float64 `yaml:"store-retry-multiplier"`
	MetricsListen        string  `yaml:"metrics-listen"`
	PprofListen          string  `yaml:"pprof-listen"`
	EnableRuntimeMetrics bool    `yaml:"enable-runtime-metrics"`
	OTLPEndpoint         string  `yaml:"otlp-endpoint"`
	LogLevel             string  `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Store:                clusterd.DefaultStore,
		SessionTTL:           clusterd.DefaultSessionTTL.String(),
		SweepInterval:        clusterd.DefaultSweepInterval.String(),
		MessageTimeout:       clusterd.DefaultMessageTimeout.String(),
		Workers:              clusterd.DefaultWorkers,
		StoreRetryAttempts:   clusterd.DefaultStoreRetryMaxAttempts,
		StoreRetryBaseDelay:  clusterd.DefaultStoreRetryBaseDelay.String(),
		StoreRetryMaxDelay:   clusterd.DefaultStoreRetryMaxDelay.String(),
		StoreRetryMultiplier: clusterd.DefaultStoreRetryMultiplier,
		MetricsListen:        clusterd.DefaultMetricsListen,
		PprofListen:          clusterd.DefaultPprofListen,
		LogLevel:             "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	header := []byte("# clusterd configuration\n# Keys match the command line flags; CLUSTERD_* environment variables override them.\n")
	return append(header, data...), nil
}
