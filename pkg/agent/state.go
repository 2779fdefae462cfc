package agent

import (
	"errors"
	"fmt"

	"github.com/hutchcloud/hutch/pkg/types"
)

// ErrSyncGap reports a change event whose sequence number skips ahead of
// the scope watermark. One or more earlier events were lost, so the scope
// must be rebuilt from a snapshot before applying anything newer.
var ErrSyncGap = errors.New("sequence gap")

// scopeSet is the materialized key membership of one (namespace, group)
// scope: the authorized key line per fingerprint, plus the watermark of
// the last change event folded in. Not safe for concurrent use; the
// agent run loop owns it.
type scopeSet struct {
	keys      map[string][]byte
	watermark uint64
}

func newScopeSet() *scopeSet {
	return &scopeSet{keys: make(map[string][]byte)}
}

// Reset replaces the membership wholesale from a snapshot. Every event
// with a sequence at or below the snapshot watermark is covered by the
// records and must be dropped as a duplicate afterwards.
func (s *scopeSet) Reset(records []*types.KeyRecord, watermark uint64) {
	s.keys = make(map[string][]byte, len(records))
	for _, rec := range records {
		s.keys[rec.Fingerprint] = rec.PublicKey
	}
	s.watermark = watermark
}

// Apply folds one change event into the membership. It reports whether
// the event changed state: events at or below the watermark are stale
// redeliveries and are dropped, the event at watermark+1 is applied, and
// anything further ahead returns ErrSyncGap.
func (s *scopeSet) Apply(env *types.Envelope) (bool, error) {
	switch {
	case env.Sequence <= s.watermark:
		return false, nil
	case env.Sequence > s.watermark+1:
		return false, fmt.Errorf("event %d ahead of watermark %d: %w", env.Sequence, s.watermark, ErrSyncGap)
	}

	switch env.Op {
	case types.OpAdd:
		if len(env.PublicKey) == 0 {
			// An add without key bytes cannot be materialized locally;
			// only a snapshot has the full record.
			return false, fmt.Errorf("add %s carries no key: %w", env.Fingerprint, ErrSyncGap)
		}
		s.keys[env.Fingerprint] = env.PublicKey
	case types.OpRemove:
		delete(s.keys, env.Fingerprint)
	default:
		return false, fmt.Errorf("unknown change op %q", env.Op)
	}
	s.watermark = env.Sequence
	return true, nil
}

// size returns the number of keys currently in the scope.
func (s *scopeSet) size() int {
	return len(s.keys)
}
