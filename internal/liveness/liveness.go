// ABOUTME: Read-time liveness derivation from heartbeat timestamps
// ABOUTME: No stored online flag and no background sweep; every read recomputes

package liveness

import (
	"time"

	"github.com/relaykit/relay-gateway/internal/store"
)

// DefaultOfflineThreshold is used when no threshold is configured.
const DefaultOfflineThreshold = 90 * time.Second

// Online reports whether a heartbeat at last is recent enough at now.
// A nil last heartbeat is always offline.
func Online(last *time.Time, now time.Time, threshold time.Duration) bool {
	if last == nil {
		return false
	}
	return now.Sub(*last) < threshold
}

// Tracker derives sender liveness with a fixed threshold. It holds no
// mutable state, so any number of processes observing the same stored
// heartbeat agree on the answer.
type Tracker struct {
	Threshold time.Duration
}

// NewTracker returns a tracker with the given threshold, falling back to
// DefaultOfflineThreshold when zero.
func NewTracker(threshold time.Duration) *Tracker {
	if threshold <= 0 {
		threshold = DefaultOfflineThreshold
	}
	return &Tracker{Threshold: threshold}
}

// SenderOnline reports whether the sender's last heartbeat is fresh.
func (t *Tracker) SenderOnline(s *store.Sender) bool {
	return Online(s.LastHeartbeatAt, time.Now(), t.Threshold)
}
