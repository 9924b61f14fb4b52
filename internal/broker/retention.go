package broker

import (
	"time"

	"logq/internal/cluster"
)

// EnforceRetention drops records older than their topic's retention from
// the head of every hosted log. Leaders and followers apply it on their own
// clocks; records carry the leader's timestamp, so they agree on what is old.
// Returns the number of records dropped.
func (n *Node) EnforceRetention(now time.Time) int {
	n.mu.RLock()
	replicas := make([]*replica, 0, len(n.replicas))
	for _, r := range n.replicas {
		replicas = append(replicas, r)
	}
	n.mu.RUnlock()

	total := 0
	for _, r := range replicas {
		if r.config.Retention <= 0 {
			continue
		}
		cutoff := r.log.OffsetForTime(now.Add(-r.config.Retention))
		dropped, err := r.log.TruncateBefore(cutoff)
		if err != nil {
			n.logger.Error("retention failed", "partition", r.tp.String(), "error", err)
			continue
		}
		if dropped == 0 {
			continue
		}
		total += dropped
		n.storageMetrics.RecordRetention(r.tp.Topic, dropped)
		n.storageMetrics.SetOffsets(r.tp.Topic, r.tp.Partition, r.log.EarliestOffset(), r.log.NextOffset())

		r.mu.Lock()
		if r.role == cluster.RoleReplica && r.highWatermark < cutoff {
			r.highWatermark = cutoff
		}
		r.mu.Unlock()

		n.logger.Debug("retention applied",
			"partition", r.tp.String(),
			"dropped", dropped,
			"earliest", r.log.EarliestOffset(),
		)
	}
	return total
}
