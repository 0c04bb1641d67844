package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentic-research/knowledge-services/internal/config"
	"github.com/agentic-research/knowledge-services/internal/logging"
	"github.com/agentic-research/knowledge-services/internal/service"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath        string
	logLevel          string
	logFormat         string
	dataDirs          []string
	metricsAddr       string
	inactivityTimeout time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (json or console)")
	rootCmd.PersistentFlags().StringSliceVarP(&dataDirs, "data-dir", "d", nil, "Content data directory (repeatable)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.Flags().DurationVar(&inactivityTimeout, "inactivity-timeout", 0, "Exit after this long without calls")
}

// loadConfig reads the configuration file, if any, and applies flags that
// were set explicitly on cmd.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return config.Config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if flags.Changed("data-dir") {
		cfg.DataDirs = dataDirs
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Changed("inactivity-timeout") {
		cfg.InactivityTimeout = inactivityTimeout
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (zerolog.Logger, error) {
	return logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}

var rootCmd = &cobra.Command{
	Use:          "eks-search-provider",
	Short:        "Serve content search, discovery feeds and metadata queries on the session bus",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}

		svc, err := service.New(cfg, log)
		if err != nil {
			return fmt.Errorf("create service: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return svc.Run(ctx)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
