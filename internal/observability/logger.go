package observability

import (
	"github.com/danmuck/worldsync/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the runtime logging profile and tags the global
// logger with app.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// WorldLogger derives the logger for one hosted world.
func WorldLogger(base zerolog.Logger, world string) zerolog.Logger {
	return base.With().Str("world", world).Logger()
}
