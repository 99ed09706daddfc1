package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mini-route/config"
)

var cfgFile string

// v holds flags, MINIROUTE_* variables and the config file, in that order
// of precedence.
var v = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "routewatch",
	Short: "Watch or publish mini-rpc routes in ZooKeeper or etcd",

	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")

	configFlags := config.Flags()
	rootCmd.PersistentFlags().AddFlagSet(configFlags)
	_ = v.BindPFlags(configFlags)

	rootCmd.AddCommand(watchCmd, publishCmd)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

// setup reads the config file, if any, and returns the validated config and
// a logger at the configured level.
func setup(vp *viper.Viper) (*config.Config, *zap.Logger, error) {
	logLevel, logger := getLogger()

	if cfgFile != "" {
		vp.SetConfigFile(cfgFile)
		if err := vp.ReadInConfig(); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to load config file %s", cfgFile)
		}
	}

	cfg, err := config.Load(vp)
	if err != nil {
		return nil, nil, err
	}

	parsedLogLevel, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead", zap.String("log-level", cfg.LogLevel))
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	logger.Info("parsed routewatch configuration",
		zap.String("backend", cfg.Backend),
		zap.Strings("endpoints", cfg.Endpoints),
		zap.Duration("sessionTimeout", cfg.SessionTimeout),
		zap.String("root", cfg.Root),
		zap.String("includes", cfg.Includes),
		zap.String("excludes", cfg.Excludes),
		zap.Int("backlog", cfg.Backlog),
		zap.String("codec", cfg.Codec),
		zap.String("metricsAddr", cfg.MetricsAddr))

	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
