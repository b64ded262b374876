package core

import (
	"fmt"
)

// FeedSequenceValidator tracks per-asset price feed sequence numbers. Oracle
// feeds are at-least-once with possible reordering, so two anomalies matter:
//
//   - stale: feed sequence behind the partition tip. The observation is
//     outdated and dropped silently (the feed simply re-delivered).
//   - gap: feed sequence skips ahead. The newest observation still wins, so
//     the gap is recorded for monitoring and the update is accepted.
//
// Not thread-safe on its own; the engine serializes access.
type FeedSequenceValidator struct {
	// partition key ("price:<asset>") -> next expected feed sequence
	expected map[string]int64

	// Gap tracking for monitoring
	gaps []SequenceGap
}

type SequenceGap struct {
	Partition string
	Expected  int64
	Received  int64
}

func NewFeedSequenceValidator() *FeedSequenceValidator {
	return &FeedSequenceValidator{
		expected: make(map[string]int64),
		gaps:     make([]SequenceGap, 0),
	}
}

// Validate checks a feed sequence for an asset. Returns (stale, gapped):
// stale observations must be dropped, gapped ones are accepted.
func (sv *FeedSequenceValidator) Validate(asset string, feedSequence int64) (stale bool, gapped bool) {
	partition := fmt.Sprintf("price:%s", asset)
	expected, exists := sv.expected[partition]

	if !exists {
		// First observation for this asset
		sv.expected[partition] = feedSequence + 1
		return false, false
	}

	if feedSequence < expected {
		// Duplicate or out-of-order redelivery
		return true, false
	}

	if feedSequence > expected {
		sv.gaps = append(sv.gaps, SequenceGap{
			Partition: partition,
			Expected:  expected,
			Received:  feedSequence,
		})
	}

	sv.expected[partition] = feedSequence + 1
	return false, feedSequence > expected
}

// GetGaps returns recorded gaps (for monitoring/alerting)
func (sv *FeedSequenceValidator) GetGaps() []SequenceGap {
	return sv.gaps
}

// GetAllPartitions returns a copy of the expected-sequence map for snapshots.
func (sv *FeedSequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expected))
	for k, v := range sv.expected {
		out[k] = v
	}
	return out
}

// RestorePartitions replaces validator state from a snapshot.
func (sv *FeedSequenceValidator) RestorePartitions(partitions map[string]int64) {
	sv.expected = make(map[string]int64, len(partitions))
	for k, v := range partitions {
		sv.expected[k] = v
	}
	sv.gaps = sv.gaps[:0]
}
