package observability

import (
	"os"

	"github.com/danmuck/edgewire/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the runtime logger and tags it with app and the
// transport instance id. EDGEWIRE_LOG_LEVEL wins over level.
func InitLogger(app, instance string, level zerolog.Level) zerolog.Logger {
	logging.ConfigureRuntime()
	if _, ok := logging.ParseLevel(os.Getenv(logging.EnvLogLevel)); !ok {
		zerolog.SetGlobalLevel(level)
	}
	logger := log.Logger.With().
		Str("app", app).
		Str("instance", instance).
		Logger()
	log.Logger = logger
	return logger
}
