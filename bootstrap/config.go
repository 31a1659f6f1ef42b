package bootstrap

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warden/config"
)

// InitLogger builds the process logger. "console" gives coloured levels for
// humans, "json" gives one object per line for collectors.
func InitLogger(level, format string) (*zap.Logger, *zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), lvl)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads and validates the configuration. Errors are fatal to startup.
func InitConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// logConfigSummary records the settings operators most often need when reading startup logs
func logConfigSummary(cfg *config.Config, sugar *zap.SugaredLogger) {
	sugar.Infow("Config loaded",
		"sqlite_path", cfg.Storage.SQLitePath,
		"server_enabled", cfg.Server.Enabled,
		"server_addr", cfg.Server.Addr,
		"nats_enabled", cfg.NATS.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
		"clickhouse_enabled", cfg.Storage.ClickHouse.Enabled,
		"escalation_enabled", cfg.Escalation.Enabled,
		"action_rules", len(cfg.Actions.Table),
		"notify_channels", len(cfg.Notify.Channels))
}
