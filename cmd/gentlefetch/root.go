package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ambiyansyah-risyal/gentlefetch"
	"github.com/ambiyansyah-risyal/gentlefetch/internal/config"
)

type globalFlags struct {
	config   string
	logLevel string
}

var gf = new(globalFlags)

var rootCmd = &cobra.Command{
	Use:   "gentlefetch",
	Short: "Polite HTTP fetching with caching, proxy rotation and retries.",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&gf.config, "config", "c", "", "config file (default ./gentlefetch.yaml)")
	pf.StringVar(&gf.logLevel, "log-level", "", "override log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newFetchCmd(),
		newPostCmd(),
		newDownloadCmd(),
		newPurgeCmd(),
		newServeCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
}

// runtimeEnv is what every command that talks to the network needs.
type runtimeEnv struct {
	cfg     *config.Config
	logger  *zap.Logger
	client  *gentlefetch.Client
	metrics *gentlefetch.MetricsCollector
}

func (e *runtimeEnv) Close() error {
	err := e.client.Close()
	_ = e.logger.Sync()
	return err
}

func loadEnv() (*config.Config, *zap.Logger, error) {
	cfg, used, err := config.Load(gf.config)
	if err != nil {
		return nil, nil, err
	}
	if gf.logLevel != "" {
		cfg.Log.Level = gf.logLevel
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	if used != "" {
		logger.Debug("config loaded", zap.String("path", used))
	}
	return cfg, logger, nil
}

func newEnv(ctx context.Context, extra ...gentlefetch.Option) (*runtimeEnv, error) {
	cfg, logger, err := loadEnv()
	if err != nil {
		return nil, err
	}

	opts, err := cfg.Options(ctx, afero.NewOsFs())
	if err != nil {
		return nil, err
	}
	metrics := gentlefetch.NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	opts = append(opts, gentlefetch.WithZapLogger(logger), gentlefetch.WithMetricsCollector(metrics))
	opts = append(opts, extra...)

	client, err := gentlefetch.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init client, %w", err)
	}
	return &runtimeEnv{cfg: cfg, logger: logger, client: client, metrics: metrics}, nil
}

func newLogger(c config.Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q, %w", c.Level, err)
	}
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
