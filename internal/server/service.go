// Package server hosts one world as a process: the authority, its
// participant listeners, checkpoint storage and the admin HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/worldsync/internal/admin"
	"github.com/danmuck/worldsync/internal/auth"
	"github.com/danmuck/worldsync/internal/config"
	"github.com/danmuck/worldsync/internal/observability"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/danmuck/worldsync/internal/snapshot"
	"github.com/danmuck/worldsync/internal/transport"
	"github.com/danmuck/worldsync/internal/world"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrInvalidToken = errors.New("server: invalid join token")

type Service struct {
	cfg       ServiceConfig
	logger    zerolog.Logger
	world     *world.Authority
	snapshots *snapshot.Store
	admin     *admin.Server
	tokens    auth.TokenSet

	mu  sync.Mutex
	tcp *transport.Listener
	ws  net.Listener
}

// NewService loads the world file, opens checkpoint storage and builds the
// authority. Checkpointed state wins over boot objects from the world file.
func NewService(cfg ServiceConfig) (*Service, error) {
	cfg = cfg.WithDefaults()
	logger := log.Logger.With().Str("node", cfg.Name).Logger()
	svc := &Service{cfg: cfg, logger: logger, tokens: auth.NewTokenSet(cfg.JoinTokens...)}

	acfg := world.DefaultAuthorityConfig()
	acfg.Name = cfg.Name
	acfg.Session = cfg.Session
	acfg.CheckpointInterval = cfg.CheckpointInterval
	acfg.Admission = svc.admit

	var wf config.WorldFile
	if strings.TrimSpace(cfg.WorldFile) != "" {
		loaded, err := config.LoadWorld(cfg.WorldFile)
		if err != nil {
			return nil, err
		}
		wf = loaded
		reg, err := wf.Registry()
		if err != nil {
			return nil, fmt.Errorf("server: world types: %w", err)
		}
		acfg.Types = reg
		acfg.Resolver = wf.Resolver(reg)
	}
	if strings.TrimSpace(cfg.SnapshotDir) != "" {
		store, err := snapshot.Open(cfg.SnapshotDir, snapshot.Options{Keep: cfg.SnapshotKeep, Sync: true, Logger: &logger})
		if err != nil {
			return nil, err
		}
		svc.snapshots = store
		acfg.Checkpoints = store
	}

	a, err := world.NewAuthority(acfg)
	if err != nil {
		svc.closeSnapshots()
		return nil, err
	}
	svc.world = a
	if acfg.Types != nil {
		n, err := wf.Populate(a, acfg.Types)
		if err != nil {
			svc.closeSnapshots()
			return nil, fmt.Errorf("server: populate world: %w", err)
		}
		logger.Info().Int("spawned", n).Int("objects", a.Store().Len()).Msg("server: world populated")
	}
	if strings.TrimSpace(cfg.AdminAddr) != "" {
		svc.admin = admin.New(cfg.Name, cfg.AdminAddr, a, cfg.CorsOrigins)
	}
	return svc, nil
}

func (s *Service) World() *world.Authority {
	return s.world
}

// admit enforces join tokens when configured.
func (s *Service) admit(req session.JoinRequest, remote string) error {
	if err := s.tokens.Validate(req.Token); err == nil {
		return nil
	}
	s.logger.Warn().Str("remote", remote).Str("user", req.UserName).Msg("server: join token rejected")
	return ErrInvalidToken
}

// Listen binds the participant listeners. Serve calls it when needed; tests
// call it first to learn the bound addresses.
func (s *Service) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp == nil && strings.TrimSpace(s.cfg.ListenAddr) != "" {
		ln, err := transport.Listen(s.cfg.ListenAddr, s.cfg.Session, s.cfg.Limits)
		if err != nil {
			return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
		}
		s.tcp = ln
	}
	if s.ws == nil && strings.TrimSpace(s.cfg.WebSocketAddr) != "" {
		ln, err := net.Listen("tcp", s.cfg.WebSocketAddr)
		if err != nil {
			return fmt.Errorf("server: listen %s: %w", s.cfg.WebSocketAddr, err)
		}
		s.ws = ln
	}
	return nil
}

// Addr is the bound TCP participant address, or nil before Listen.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// WebSocketAddr is the bound WebSocket address, or nil.
func (s *Service) WebSocketAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return nil
	}
	return s.ws.Addr()
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve runs the world until ctx ends, then closes every listener, says
// Leave to participants and writes the final checkpoint.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeSnapshots()

	errs := make(chan error, 4)
	var wg sync.WaitGroup
	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errs <- fmt.Errorf("server: %s: %w", name, err)
				cancel()
			}
		}()
	}

	s.mu.Lock()
	tcp, ws := s.tcp, s.ws
	s.mu.Unlock()

	if tcp != nil {
		s.logger.Info().Str("addr", tcp.Addr().String()).Msg("server: participants listening")
		start("tcp", func() error {
			defer tcp.Close()
			return s.world.Serve(ctx, tcp)
		})
		go func() {
			<-ctx.Done()
			_ = tcp.Close()
		}()
	}
	if ws != nil {
		mux := http.NewServeMux()
		mux.Handle("/ws", transport.UpgradeHandler(s.cfg.Session, int64(s.cfg.Limits.MaxPayloadBytes), func(conn transport.Connection) {
			if err := s.world.Attach(conn); err != nil {
				_ = conn.Close()
			}
		}))
		httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		s.logger.Info().Str("addr", ws.Addr().String()).Msg("server: websocket listening")
		start("websocket", func() error {
			if err := httpSrv.Serve(ws); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		go func() {
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}
	if s.admin != nil {
		start("admin", func() error { return s.admin.Serve(ctx) })
	}
	start("world", func() error { return s.world.Run(ctx) })

	wg.Wait()
	close(errs)
	var joined error
	for err := range errs {
		joined = errors.Join(joined, err)
	}
	observability.SetWorldState(s.cfg.Name, s.world.StateVersion(), 0)
	s.logger.Info().Uint64("version", s.world.StateVersion()).Msg("server: stopped")
	return joined
}

func (s *Service) closeSnapshots() {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("server: close snapshots")
	}
}
