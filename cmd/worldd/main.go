package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/worldsync/internal/logging"
	"github.com/danmuck/worldsync/internal/observability"
	"github.com/danmuck/worldsync/internal/server"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "worldd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("worldd", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "cmd/worldd/config.toml", "path to worldd config")
	listen := flags.String("listen", "", "override framed TCP listen address")
	admin := flags.String("admin", "", "override admin HTTP address")
	level := flags.String("log-level", "", "log level (trace|debug|info|warn|error)")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logger := observability.InitLogger("worldd")
	if strings.TrimSpace(*level) != "" {
		lvl, ok := logging.ParseLevel(*level)
		if !ok {
			return fmt.Errorf("unknown log level %q", *level)
		}
		zerolog.SetGlobalLevel(lvl)
	}

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*listen) != "" {
		cfg.ListenAddr = strings.TrimSpace(*listen)
	}
	if strings.TrimSpace(*admin) != "" {
		cfg.AdminAddr = strings.TrimSpace(*admin)
	}

	svc, err := server.NewService(cfg)
	if err != nil {
		return err
	}
	logger.Info().
		Str("world", cfg.Name).
		Str("listen", cfg.ListenAddr).
		Str("websocket", cfg.WebSocketAddr).
		Str("admin", cfg.AdminAddr).
		Msg("worldd starting")
	return svc.Run()
}
