package replica

import (
	"bytes"
	"errors"

	"github.com/danmuck/worldsync/internal/dirty"
	"github.com/danmuck/worldsync/internal/protocol"
)

// ApplyReport counts what happened to incoming records.
type ApplyReport struct {
	Applied  int
	Deferred int
	Dropped  int
	Removed  int
	Created  int
}

// BuildDeltaBatch flushes every dirty object in ascending target order. Flags
// are taken before values are read, so a write racing the flush is carried by
// the next batch. It returns false when nothing was dirty.
func (s *Store) BuildDeltaBatch(senderVersion uint64, worldTime float64) (protocol.DeltaBatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := protocol.DeltaBatch{SenderStateVersion: senderVersion, WorldTime: worldTime}
	for _, id := range s.sortedIDs() {
		o := s.objects[id]
		if !o.dirty.AnySet() {
			continue
		}
		for _, pos := range dirty.Positions(o.dirty.Take()) {
			batch.Records = append(batch.Records, protocol.DataRecord{
				TargetID:    id,
				MemberIndex: protocol.MemberIndex(pos),
				Data:        bytes.Clone(o.values[pos]),
			})
		}
	}
	if len(batch.Records) == 0 {
		return protocol.DeltaBatch{}, false
	}
	if s.cfg.Speculative {
		s.spec.Track(batch.Records)
	}
	return batch, true
}

// ApplyRecords writes remote records without touching dirty flags. Records for
// unknown targets or members are logged and skipped.
func (s *Store) ApplyRecords(records []protocol.DataRecord) ApplyReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	var report ApplyReport
	for _, rec := range records {
		if err := s.applyLocked(rec); err != nil {
			s.dropRecord(rec, err)
			report.Dropped++
			continue
		}
		report.Applied++
	}
	return report
}

func (s *Store) applyLocked(rec protocol.DataRecord) error {
	o, ok := s.objects[rec.TargetID]
	if !ok {
		return ErrUnknownTarget
	}
	if rec.MemberIndex < 0 {
		return ErrUnknownMember
	}
	if err := o.grow(int(rec.MemberIndex)); err != nil {
		return err
	}
	if int(rec.MemberIndex) >= o.memberCount() {
		return ErrUnknownMember
	}
	o.values[rec.MemberIndex] = bytes.Clone(rec.Data)
	return nil
}

func (s *Store) dropRecord(rec protocol.DataRecord, err error) {
	s.logger.Warn().
		Err(err).
		Uint64("target_id", uint64(rec.TargetID)).
		Int32("member", int32(rec.MemberIndex)).
		Msg("replica: dropping record")
}

// outstandingLocked reports a local write the authority has not settled yet:
// either still dirty or flushed and awaiting confirmation.
func (s *Store) outstandingLocked(key protocol.MemberKey) bool {
	if s.spec.Outstanding(key) {
		return true
	}
	o, ok := s.objects[key.Target]
	if !ok || key.Member < 0 || int(key.Member) >= o.memberCount() {
		return false
	}
	return o.dirty.IsSet(int(key.Member))
}

// ApplyDeltaBatch applies a batch relayed by the authority. On the authority
// side deltas must go through validation and ErrRequiresValidation is
// returned. Members with outstanding local writes are skipped; their
// confirmation settles the value.
func (s *Store) ApplyDeltaBatch(batch protocol.DeltaBatch, isAuthority bool) (ApplyReport, error) {
	if isAuthority {
		return ApplyReport{}, ErrRequiresValidation
	}
	s.mu.Lock()
	var report ApplyReport
	for _, rec := range batch.Records {
		if s.cfg.Speculative && s.outstandingLocked(rec.Key()) {
			report.Deferred++
			continue
		}
		if err := s.applyLocked(rec); err != nil {
			s.dropRecord(rec, err)
			report.Dropped++
			continue
		}
		report.Applied++
	}
	s.mu.Unlock()
	if s.cfg.Version != nil {
		s.cfg.Version.Observe(batch.SenderStateVersion)
	}
	return report, nil
}

// BuildFullBatch emits every member of every live object.
func (s *Store) BuildFullBatch(stateVersion uint64, worldTime float64) protocol.FullBatch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch := protocol.FullBatch{StateVersion: stateVersion, WorldTime: worldTime}
	for _, id := range s.sortedIDs() {
		o := s.objects[id]
		for m, v := range o.values {
			batch.Records = append(batch.Records, protocol.DataRecord{
				TargetID:    id,
				MemberIndex: protocol.MemberIndex(m),
				Data:        bytes.Clone(v),
			})
		}
	}
	return batch
}

// ApplyFullBatch replaces the whole local copy with the batch contents.
// Objects missing from the batch are removed, unknown ones are created, and
// all dirty and speculative state is discarded.
func (s *Store) ApplyFullBatch(batch protocol.FullBatch) ApplyReport {
	s.mu.Lock()
	var report ApplyReport

	maxMember := make(map[protocol.TargetID]protocol.MemberIndex)
	for _, rec := range batch.Records {
		if cur, ok := maxMember[rec.TargetID]; !ok || rec.MemberIndex > cur {
			maxMember[rec.TargetID] = rec.MemberIndex
		}
	}
	for id := range s.objects {
		if _, keep := maxMember[id]; !keep {
			delete(s.objects, id)
			report.Removed++
		}
	}
	for id, top := range maxMember {
		if o, ok := s.objects[id]; ok {
			s.resetLocked(o)
			continue
		}
		o, err := s.createForFull(id, top)
		if err != nil {
			s.logger.Warn().Err(err).Uint64("target_id", uint64(id)).Msg("replica: cannot create object from full batch")
			continue
		}
		s.objects[id] = o
		report.Created++
	}
	for _, rec := range batch.Records {
		if err := s.applyLocked(rec); err != nil {
			s.dropRecord(rec, err)
			report.Dropped++
			continue
		}
		report.Applied++
	}
	s.spec.Reset()
	s.mu.Unlock()

	if s.cfg.Version != nil {
		s.cfg.Version.Reset(batch.StateVersion)
	}
	return report
}

func (s *Store) resetLocked(o *object) {
	o.dirty.Clear()
	if o.typed && s.cfg.Types != nil {
		if t, ok := s.cfg.Types.Lookup(o.typeName); ok {
			for i := range o.values {
				o.values[i] = bytes.Clone(t.Members[i].Default)
			}
			return
		}
	}
	clear(o.values)
}

func (s *Store) createForFull(id protocol.TargetID, top protocol.MemberIndex) (*object, error) {
	if s.cfg.Resolver != nil {
		if t, ok := s.cfg.Resolver(id); ok {
			return s.newTyped(id, t)
		}
	}
	if top < 0 {
		return nil, ErrUnknownMember
	}
	return newUntyped(id, int(top)+1)
}

// ConfirmationReport counts how a confirmation settled local writes.
type ConfirmationReport struct {
	Accepted   int
	Corrected  int
	Superseded int
	Dropped    int
}

// ApplyConfirmation settles in-flight writes. Accepted records only release
// bookkeeping. A rejected record overwrites the local value with the
// authority's corrected data and clears the member's dirty bit, unless a later
// write to the same member is still in flight.
//
// That skipped rejection is Superseded. The authority handles one
// connection's batches in send order, so the later write is validated against
// canonical state that already reflects this rejection. Its confirmation
// either accepts the newer value, making it canonical, or rejects it with the
// canonical value at that point. Either way the member settles on what the
// authority holds, and applying the older correction first would only flash a
// stale value over a newer local write.
func (s *Store) ApplyConfirmation(msg protocol.ConfirmationMessage) ConfirmationReport {
	s.mu.Lock()
	var report ConfirmationReport
	for _, rec := range msg.Records {
		remaining := s.spec.Resolve(rec.Key())
		if rec.Accepted {
			report.Accepted++
			continue
		}
		if remaining > 0 {
			report.Superseded++
			continue
		}
		o, err := s.lookup(rec.TargetID, rec.MemberIndex)
		if err != nil {
			if errors.Is(err, ErrUnknownTarget) {
				s.logger.Debug().Uint64("target_id", uint64(rec.TargetID)).Str("reason", rec.RejectionReason).Msg("replica: rejection for missing target")
			}
			report.Dropped++
			continue
		}
		o.values[rec.MemberIndex] = bytes.Clone(rec.CorrectedData)
		o.dirty.UnsetFlag(int(rec.MemberIndex))
		report.Corrected++
		s.logger.Debug().
			Uint64("target_id", uint64(rec.TargetID)).
			Int32("member", int32(rec.MemberIndex)).
			Str("reason", rec.RejectionReason).
			Msg("replica: write rejected, corrected")
	}
	s.mu.Unlock()
	if s.cfg.Version != nil {
		s.cfg.Version.Observe(msg.AuthorityStateVersion)
	}
	return report
}
