// =============================================================================
// ISR TRACKER - IN-SYNC REPLICAS AND THE HIGH WATERMARK
// =============================================================================
//
// The leader of a partition keeps one isrTracker. Followers report progress
// implicitly: every replica fetch says "my log ends at offset X".
//
//   leader LEO = 10
//
//   follower 2: fetch from 10 ──► log end 10, lag 0   ──► in sync
//   follower 3: fetch from  4 ──► log end  4, lag 6   ──► in sync if 6 <= MaxLagRecords
//   follower 4: last fetch 30s ago                    ──► out (MaxLagTime)
//
// HIGH WATERMARK:
//   HW = min(log end) over the ISR, leader included. Every record below HW is
//   held by every in-sync replica, which is exactly what acks=all waits for.
//
//   ISR {1, 2, 3}   LEO: 1→10  2→10  3→4    HW = 4
//
// EXPANSION:
//   A follower rejoins only once its log end reaches the current HW. Adding a
//   follower that is further behind would move HW backwards.
//
// The tracker is not safe for concurrent use. The owning replica serializes
// every call under its own mutex.
//
// =============================================================================

package broker

import (
	"log/slog"
	"time"

	"logq/internal/cluster"
	"logq/pkg/protocol"
)

// ISRConfig bounds how far a follower may fall behind and stay in sync.
type ISRConfig struct {
	// MaxLagRecords is the largest leader LEO - follower LEO still in sync.
	MaxLagRecords int64

	// MaxLagTime is the longest a follower may go without fetching.
	MaxLagTime time.Duration
}

type followerProgress struct {
	logEnd    int64
	lastFetch time.Time
}

type isrTracker struct {
	tp       protocol.TopicPartition
	leader   cluster.BrokerID
	replicas []cluster.BrokerID

	isr      map[cluster.BrokerID]bool
	progress map[cluster.BrokerID]*followerProgress

	config ISRConfig
	logger *slog.Logger
}

// newISRTracker starts tracking with the ISR the directory last recorded.
// Followers in it are assumed to hold at least the current high watermark.
func newISRTracker(tp protocol.TopicPartition, leader cluster.BrokerID, replicas, isr []cluster.BrokerID,
	highWatermark int64, config ISRConfig, now time.Time, logger *slog.Logger) *isrTracker {

	t := &isrTracker{
		tp:       tp,
		leader:   leader,
		replicas: append([]cluster.BrokerID(nil), replicas...),
		isr:      map[cluster.BrokerID]bool{leader: true},
		progress: make(map[cluster.BrokerID]*followerProgress),
		config:   config,
		logger:   logger.With("component", "isr", "partition", tp.String()),
	}
	for _, id := range replicas {
		if id == leader {
			continue
		}
		t.progress[id] = &followerProgress{logEnd: highWatermark, lastFetch: now}
	}
	for _, id := range isr {
		if _, ok := t.progress[id]; ok {
			t.isr[id] = true
		}
	}
	return t
}

func (t *isrTracker) isFollower(id cluster.BrokerID) bool {
	_, ok := t.progress[id]
	return ok
}

// members returns the ISR in replica order.
func (t *isrTracker) members() []cluster.BrokerID {
	out := make([]cluster.BrokerID, 0, len(t.isr))
	for _, id := range t.replicas {
		if t.isr[id] {
			out = append(out, id)
		}
	}
	return out
}

func (t *isrTracker) inSync(p *followerProgress, leaderLEO int64, now time.Time) bool {
	lag := leaderLEO - p.logEnd
	if lag < 0 {
		lag = 0
	}
	return lag <= t.config.MaxLagRecords && now.Sub(p.lastFetch) <= t.config.MaxLagTime
}

// recordFetch notes a follower fetch and returns true when the follower
// rejoined the ISR.
func (t *isrTracker) recordFetch(follower cluster.BrokerID, logEnd, leaderLEO, highWatermark int64, now time.Time) bool {
	p, ok := t.progress[follower]
	if !ok {
		return false
	}
	p.logEnd = logEnd
	p.lastFetch = now

	if t.isr[follower] {
		return false
	}
	if logEnd >= highWatermark && t.inSync(p, leaderLEO, now) {
		t.isr[follower] = true
		t.logger.Info("follower rejoined ISR",
			"follower", follower,
			"log_end", logEnd,
			"leader_leo", leaderLEO,
		)
		return true
	}
	return false
}

// shrink removes followers that fell too far behind. The leader never leaves
// its own ISR.
func (t *isrTracker) shrink(leaderLEO int64, now time.Time) []cluster.BrokerID {
	var removed []cluster.BrokerID
	for _, id := range t.replicas {
		p, ok := t.progress[id]
		if !ok || !t.isr[id] {
			continue
		}
		if !t.inSync(p, leaderLEO, now) {
			delete(t.isr, id)
			removed = append(removed, id)
			t.logger.Info("shrinking ISR",
				"follower", id,
				"lag_records", leaderLEO-p.logEnd,
				"last_fetch_ms", now.Sub(p.lastFetch).Milliseconds(),
			)
		}
	}
	return removed
}

// highWatermark is min(log end) over the ISR.
func (t *isrTracker) highWatermark(leaderLEO int64) int64 {
	hw := leaderLEO
	for id := range t.isr {
		if id == t.leader {
			continue
		}
		if p, ok := t.progress[id]; ok && p.logEnd < hw {
			hw = p.logEnd
		}
	}
	return hw
}

// maxLag is the largest follower lag, for metrics.
func (t *isrTracker) maxLag(leaderLEO int64) int64 {
	var lag int64
	for _, p := range t.progress {
		if l := leaderLEO - p.logEnd; l > lag {
			lag = l
		}
	}
	return lag
}
