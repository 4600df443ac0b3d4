package observability

import (
	"log/slog"
	"os"

	"github.com/genmedia/gateway/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Dev runs at debug so
// orchestration steps stay visible while iterating; everything else logs at
// info.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
