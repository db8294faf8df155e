package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/worldsync/internal/config"
	"github.com/danmuck/worldsync/internal/logging"
	"github.com/danmuck/worldsync/internal/observability"
	"github.com/danmuck/worldsync/internal/protocol/frame"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/danmuck/worldsync/internal/transport"
	"github.com/danmuck/worldsync/internal/world"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "worldclient: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("worldclient", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "cmd/worldclient/config.toml", "path to worldclient config")
	addr := flags.String("addr", "", "override authority address (host:port for tcp, URL for ws)")
	name := flags.String("name", "", "override user name")
	level := flags.String("log-level", "", "log level (trace|debug|info|warn|error)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := observability.InitLogger("worldclient")
	if strings.TrimSpace(*level) != "" {
		lvl, ok := logging.ParseLevel(*level)
		if !ok {
			return fmt.Errorf("unknown log level %q", *level)
		}
		zerolog.SetGlobalLevel(lvl)
	}

	cfg, err := loadClientConfig(*configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.Addr = strings.TrimSpace(*addr)
	}
	if strings.TrimSpace(*name) != "" {
		cfg.UserName = strings.TrimSpace(*name)
	}

	ccfg := world.DefaultClientConfig()
	ccfg.UserName = cfg.UserName
	ccfg.Token = cfg.Token
	ccfg.Session = cfg.Session
	ccfg.AutoResync = cfg.AutoResync
	ccfg.Logger = &logger
	if cfg.WorldFile != "" {
		wf, err := config.LoadWorld(cfg.WorldFile)
		if err != nil {
			return err
		}
		reg, err := wf.Registry()
		if err != nil {
			return err
		}
		ccfg.Types = reg
		ccfg.Resolver = wf.Resolver(reg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backoff := session.NewBackoff(cfg.Session.Backoff, nil)
	s := &soaker{cfg: cfg, logger: logger}
	for {
		client, err := connectWithRetry(ctx, cfg, ccfg, backoff, dial, logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.client = client
		err = runSession(ctx, client, s, logger)
		switch {
		case ctx.Err() != nil, errors.Is(err, world.ErrAuthorityLeft):
			return nil
		case errors.Is(err, world.ErrKicked), !cfg.Reconnect:
			return err
		}
		if client.Grant().AssignedUserID != 0 {
			backoff.Reset()
		}
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("worldclient: session lost, reconnecting")
		if werr := backoff.Wait(ctx); werr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reconnect %s: %w (last: %v)", cfg.Addr, werr, err)
		}
	}
}

type dialFunc func(ctx context.Context, cfg clientConfig) (transport.Connection, error)

// connectWithRetry dials and sends the join request, waiting on b between
// failed attempts.
func connectWithRetry(ctx context.Context, cfg clientConfig, ccfg world.ClientConfig, b *session.Backoff, dialer dialFunc, logger zerolog.Logger) (*world.Client, error) {
	for {
		client, err := connectOnce(ctx, cfg, ccfg, dialer)
		if err == nil {
			logger.Info().Str("addr", cfg.Addr).Str("transport", cfg.Transport).Str("user", cfg.UserName).Int("attempt", b.Attempts()+1).Msg("worldclient: connected")
			return client, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn().Err(err).Str("addr", cfg.Addr).Int("attempt", b.Attempts()+1).Msg("worldclient: connect failed")
		if werr := b.Wait(ctx); werr != nil {
			return nil, fmt.Errorf("connect %s: %w (last: %v)", cfg.Addr, werr, err)
		}
	}
}

func connectOnce(ctx context.Context, cfg clientConfig, ccfg world.ClientConfig, dialer dialFunc) (*world.Client, error) {
	conn, err := dialer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	client := world.NewClient(ccfg)
	if err := client.Connect(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

// runSession ticks client and drives the soaker until either ends.
func runSession(ctx context.Context, client *world.Client, s *soaker, logger zerolog.Logger) error {
	sctx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(sctx) }()

	err := s.run(sctx)

	// Run sends Leave once its context ends.
	cancel()
	if rerr := <-runErr; rerr != nil {
		logger.Debug().Err(rerr).Msg("worldclient: run")
	}
	s.status()
	return err
}

func dial(ctx context.Context, cfg clientConfig) (transport.Connection, error) {
	limits := frame.DefaultLimits()
	switch cfg.Transport {
	case "ws":
		url := cfg.Addr
		if !strings.Contains(url, "://") {
			scheme := "ws"
			if cfg.Session.TLS.Enabled {
				scheme = "wss"
			}
			url = scheme + "://" + url + "/ws"
		}
		return transport.DialWebSocket(ctx, url, cfg.Session, int64(limits.MaxPayloadBytes))
	default:
		return transport.Dial(ctx, cfg.Addr, cfg.Session, limits)
	}
}
