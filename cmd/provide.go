package cmd

import (
	"log/slog"
	"os"

	"github.com/nexachat/delivery-service/config"
)

// ProvideLogger builds the process-wide structured logger and installs it
// as the slog default.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With("service", ServiceName)

	slog.SetDefault(logger)
	return logger
}
