// =============================================================================
// CONSUMER GROUP METRICS
// =============================================================================
//
// A healthy group rebalances rarely and has a stable member count. A group
// stuck rebalancing shows up as a climbing rebalance counter with a
// generation that keeps moving.
//
//   rate(logq_groups_rebalances_total{group="billing"}[5m]) > 0.1
//
// =============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GroupMetrics records coordinator activity.
type GroupMetrics struct {
	Members          *prometheus.GaugeVec
	Generation       *prometheus.GaugeVec
	Rebalances       *prometheus.CounterVec
	Commits          *prometheus.CounterVec
	CommitErrors     *prometheus.CounterVec
	SessionTimeouts  *prometheus.CounterVec
	ActiveGroupCount prometheus.Gauge

	registry *Registry
}

func newGroupMetrics(r *Registry) *GroupMetrics {
	m := &GroupMetrics{registry: r}

	m.Members = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "groups",
			Name:      "members",
			Help:      "Members currently in each consumer group",
		},
		[]string{"group"},
	)
	m.Generation = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "groups",
			Name:      "generation",
			Help:      "Current generation of each consumer group",
		},
		[]string{"group"},
	)
	m.Rebalances = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "groups",
			Name:      "rebalances_total",
			Help:      "Rebalances by trigger",
		},
		[]string{"group", "reason"},
	)
	m.Commits = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "groups",
			Name:      "offset_commits_total",
			Help:      "Accepted offset commits",
		},
		[]string{"group"},
	)
	m.CommitErrors = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "groups",
			Name:      "offset_commit_errors_total",
			Help:      "Rejected offset commits by error code",
		},
		[]string{"group", "code"},
	)
	m.SessionTimeouts = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "groups",
			Name:      "session_timeouts_total",
			Help:      "Members removed because their session expired",
		},
		[]string{"group"},
	)
	m.ActiveGroupCount = r.newGauge(
		prometheus.GaugeOpts{
			Subsystem: "groups",
			Name:      "active",
			Help:      "Groups with at least one member",
		},
	)

	return m
}

// RecordRebalance records a generation bump.
func (m *GroupMetrics) RecordRebalance(group, reason string, generation int32, members int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Rebalances.WithLabelValues(group, reason).Inc()
	m.Generation.WithLabelValues(group).Set(float64(generation))
	m.Members.WithLabelValues(group).Set(float64(members))
}

// RecordCommit records an accepted commit.
func (m *GroupMetrics) RecordCommit(group string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Commits.WithLabelValues(group).Inc()
}

// RecordCommitError records a rejected commit.
func (m *GroupMetrics) RecordCommitError(group, code string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.CommitErrors.WithLabelValues(group, code).Inc()
}

// RecordSessionTimeout records an expired member.
func (m *GroupMetrics) RecordSessionTimeout(group string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.SessionTimeouts.WithLabelValues(group).Inc()
}

// SetActiveGroups publishes the number of non-empty groups.
func (m *GroupMetrics) SetActiveGroups(n int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.ActiveGroupCount.Set(float64(n))
}
