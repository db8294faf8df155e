// Package snapshot persists full batches of canonical world state in a pebble
// store so an authority can restart at its last state version.
//
// Each checkpoint is one key, "cp/" followed by the big-endian state version.
// The value is an 8-byte xxhash of the encoded batch followed by the
// zstd-compressed encoding.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound = errors.New("snapshot: checkpoint not found")
	ErrCorrupt  = errors.New("snapshot: checkpoint corrupt")
	ErrClosed   = errors.New("snapshot: store closed")
)

var keyPrefix = []byte("cp/")

const sumLen = 8

// Options configures a Store.
type Options struct {
	// Keep is how many checkpoints survive a save. Zero keeps all.
	Keep int
	// Sync forces every save to stable storage before returning.
	Sync   bool
	Logger *zerolog.Logger
}

func DefaultOptions() Options {
	return Options{Keep: 16, Sync: true}
}

// Store is a checkpoint log backed by pebble.
type Store struct {
	mu     sync.Mutex
	db     *pebble.DB
	opts   Options
	write  *pebble.WriteOptions
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger zerolog.Logger
}

// Open opens or creates the checkpoint store in dir.
func Open(dir string, opts Options) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", dir, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("snapshot: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("snapshot: zstd decoder: %w", err)
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	write := pebble.NoSync
	if opts.Sync {
		write = pebble.Sync
	}
	logger.Info().Str("dir", dir).Int("keep", opts.Keep).Msg("snapshot: store opened")
	return &Store{db: db, opts: opts, write: write, enc: enc, dec: dec, logger: logger}, nil
}

func key(stateVersion uint64) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], stateVersion)
	return k
}

func versionOf(k []byte) (uint64, bool) {
	if len(k) != len(keyPrefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(k[len(keyPrefix):]), true
}

func upperBound() []byte {
	u := append([]byte(nil), keyPrefix...)
	u[len(u)-1]++
	return u
}

func (s *Store) iter() (*pebble.Iterator, error) {
	return s.db.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: upperBound()})
}

func (s *Store) encode(batch protocol.FullBatch) ([]byte, error) {
	raw, err := protocol.EncodeFull(batch)
	if err != nil {
		return nil, err
	}
	out := make([]byte, sumLen, sumLen+len(raw)/2)
	binary.BigEndian.PutUint64(out, xxhash.Sum64(raw))
	return s.enc.EncodeAll(raw, out), nil
}

func (s *Store) decode(value []byte) (protocol.FullBatch, error) {
	if len(value) < sumLen {
		return protocol.FullBatch{}, fmt.Errorf("%w: short value", ErrCorrupt)
	}
	raw, err := s.dec.DecodeAll(value[sumLen:], nil)
	if err != nil {
		return protocol.FullBatch{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if xxhash.Sum64(raw) != binary.BigEndian.Uint64(value[:sumLen]) {
		return protocol.FullBatch{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	batch, err := protocol.DecodeFull(raw)
	if err != nil {
		return protocol.FullBatch{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return batch, nil
}

// Save writes batch under its state version and prunes beyond Keep.
// Saving the same version twice replaces the earlier checkpoint.
func (s *Store) Save(batch protocol.FullBatch) error {
	value, err := s.encode(batch)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.Set(key(batch.StateVersion), value, s.write); err != nil {
		return fmt.Errorf("snapshot: save %d: %w", batch.StateVersion, err)
	}
	s.logger.Debug().
		Uint64("version", batch.StateVersion).
		Int("records", len(batch.Records)).
		Int("bytes", len(value)).
		Msg("snapshot: saved")
	if s.opts.Keep > 0 {
		if _, err := s.pruneLocked(s.opts.Keep); err != nil {
			return err
		}
	}
	return nil
}

// Latest returns the checkpoint with the highest state version.
func (s *Store) Latest() (protocol.FullBatch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return protocol.FullBatch{}, false, ErrClosed
	}
	it, err := s.iter()
	if err != nil {
		return protocol.FullBatch{}, false, err
	}
	defer it.Close()
	if !it.Last() {
		return protocol.FullBatch{}, false, it.Error()
	}
	batch, err := s.decode(it.Value())
	if err != nil {
		return protocol.FullBatch{}, false, err
	}
	return batch, true, nil
}

// Load returns the checkpoint saved at exactly stateVersion.
func (s *Store) Load(stateVersion uint64) (protocol.FullBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return protocol.FullBatch{}, ErrClosed
	}
	value, closer, err := s.db.Get(key(stateVersion))
	if errors.Is(err, pebble.ErrNotFound) {
		return protocol.FullBatch{}, fmt.Errorf("%w: %d", ErrNotFound, stateVersion)
	}
	if err != nil {
		return protocol.FullBatch{}, err
	}
	defer closer.Close()
	return s.decode(value)
}

// Versions lists stored state versions in ascending order.
func (s *Store) Versions() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.versionsLocked()
}

func (s *Store) versionsLocked() ([]uint64, error) {
	it, err := s.iter()
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []uint64
	for valid := it.First(); valid; valid = it.Next() {
		if v, ok := versionOf(it.Key()); ok {
			out = append(out, v)
		}
	}
	return out, it.Error()
}

// Prune deletes all but the newest keep checkpoints and reports how many
// were removed.
func (s *Store) Prune(keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	return s.pruneLocked(keep)
}

func (s *Store) pruneLocked(keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	versions, err := s.versionsLocked()
	if err != nil {
		return 0, err
	}
	if len(versions) <= keep {
		return 0, nil
	}
	cut := versions[len(versions)-keep]
	if err := s.db.DeleteRange(keyPrefix, key(cut), s.write); err != nil {
		return 0, fmt.Errorf("snapshot: prune below %d: %w", cut, err)
	}
	removed := len(versions) - keep
	s.logger.Debug().Uint64("below", cut).Int("removed", removed).Msg("snapshot: pruned")
	return removed, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	s.enc.Close()
	s.dec.Close()
	err := s.db.Close()
	s.db = nil
	return err
}
