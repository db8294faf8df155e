package main

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/worldsync/internal/config"
	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/protocol/schema"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/danmuck/worldsync/internal/stream"
	"github.com/danmuck/worldsync/internal/world"
	"github.com/rs/zerolog"
)

// soakValue produces the n-th write for a member of the given kind. Numeric
// kinds sweep [0,1) so ranged members stay valid.
func soakValue(kind schema.Kind, n uint64) ([]byte, error) {
	phase := float64(n%100) / 100
	switch kind {
	case schema.KindBool:
		return config.EncodeValue(kind, n%2 == 0)
	case schema.KindString, schema.KindBytes:
		return config.EncodeValue(kind, fmt.Sprintf("soak-%d", n))
	case schema.KindInt32, schema.KindInt64, schema.KindUint64:
		return config.EncodeValue(kind, int64(n%100))
	case schema.KindVec3:
		return config.EncodeValue(kind, []any{phase, 0.0, 0.0})
	case schema.KindQuat:
		return config.EncodeValue(kind, []any{0.0, 0.0, 0.0, 1.0})
	case "":
		return config.EncodeValue(schema.KindFloat32, phase)
	default:
		return config.EncodeValue(kind, phase)
	}
}

type soaker struct {
	client *world.Client
	cfg    clientConfig
	logger zerolog.Logger
	n      uint64
}

// step writes the next soak value and publishes one stream sample.
func (s *soaker) step() error {
	if s.client.State() != session.StateRunning {
		return nil
	}
	s.n++
	if s.cfg.SoakTarget != 0 {
		var kind schema.Kind
		if t, ok := s.client.Store().Type(s.cfg.SoakTarget); ok {
			idx := int(s.cfg.SoakMember)
			if idx < 0 || idx >= len(t.Members) {
				return fmt.Errorf("soak member %d out of range for type %q", idx, t.Name)
			}
			kind = t.Members[idx].Kind
		}
		data, err := soakValue(kind, s.n)
		if err != nil {
			return err
		}
		if err := s.client.Write(s.cfg.SoakTarget, s.cfg.SoakMember, data); err != nil {
			return err
		}
	}
	if s.cfg.StreamID != 0 {
		entry := protocol.StreamEntry{StreamID: s.cfg.StreamID, Data: stream.Sequenced(s.n, []byte(s.cfg.UserName))}
		if err := s.client.PublishStream(entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *soaker) status() {
	g := s.client.Grant()
	s.logger.Info().
		Str("state", s.client.State().String()).
		Uint64("user", uint64(g.AssignedUserID)).
		Uint64("version", s.client.StateVersion()).
		Int("objects", s.client.Store().Len()).
		Int("streams", s.client.Streams().Len()).
		Dur("rtt", s.client.RTT()).
		Bool("resync_pending", s.client.ResyncPending()).
		Uint64("writes", s.n).
		Msg("worldclient: status")
}

// run drives soak writes and status logs until ctx ends or the client
// disconnects.
func (s *soaker) run(ctx context.Context) error {
	var soak <-chan time.Time
	if s.cfg.SoakInterval > 0 {
		t := time.NewTicker(s.cfg.SoakInterval)
		defer t.Stop()
		soak = t.C
	}
	status := time.NewTicker(s.cfg.StatusInterval)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.client.Done():
			return s.client.Err()
		case <-soak:
			if err := s.step(); err != nil {
				s.logger.Warn().Err(err).Msg("worldclient: soak write failed")
			}
		case <-status.C:
			s.status()
		}
	}
}
