package segment

import (
	"errors"
	"time"
)

// Policy controls when the active segment is sealed and when sealed
// segments become eligible for purging.
//
// MaxRecordsPerSegment and MaxSegmentAge are rotation triggers: whichever is
// reached first seals the active segment before the next append.
// MaxTotalSegments and RetentionAge are retention limits: segments beyond
// the count (oldest first) or older than the age become eligible for an
// explicit, audited purge. Zero disables a limit.
type Policy struct {
	MaxRecordsPerSegment int
	MaxSegmentAge        time.Duration
	MaxTotalSegments     int
	RetentionAge         time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRecordsPerSegment: 10000,
		MaxSegmentAge:        24 * time.Hour,
	}
}

// Validate rejects negative limits.
func (p Policy) Validate() error {
	switch {
	case p.MaxRecordsPerSegment < 0:
		return errors.New("max_records_per_segment must not be negative")
	case p.MaxSegmentAge < 0:
		return errors.New("max_segment_age must not be negative")
	case p.MaxTotalSegments < 0:
		return errors.New("max_total_segments must not be negative")
	case p.RetentionAge < 0:
		return errors.New("retention_age must not be negative")
	}
	return nil
}

// shouldRotate reports whether an active segment with count records whose
// first record was written at first must be sealed at now. An empty
// segment is never sealed.
func (p Policy) shouldRotate(count uint64, first, now time.Time) bool {
	if count == 0 {
		return false
	}
	if p.MaxRecordsPerSegment > 0 && count >= uint64(p.MaxRecordsPerSegment) {
		return true
	}
	if p.MaxSegmentAge > 0 && !first.IsZero() && now.Sub(first) >= p.MaxSegmentAge {
		return true
	}
	return false
}
