package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "modelcache",
	Short:         "Hybrid cache for compressed model artifacts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config file (default $"+config.ConfigPathEnv+" or ./"+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level")

	rootCmd.AddCommand(serveCmd, loadCmd, statsCmd, patchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the resolved config file. A missing default file falls back
// to built-in defaults; an explicitly named one must exist.
func loadConfig() (*config.Config, error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		explicit := configPath != "" || os.Getenv(config.ConfigPathEnv) != ""
		if _, statErr := os.Stat(path); !explicit && os.IsNotExist(statErr) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// initLogger initializes the zap logger from the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := cfg.Level
	if logLevel != "" {
		level = logLevel
	}
	atomic, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = atomic
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zcfg.Build()
}
