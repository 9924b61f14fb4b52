// =============================================================================
// FAILOVER ELECTOR - A MINIMAL EXTERNAL LEADER-ELECTION COLLABORATOR
// =============================================================================
//
// The broker core never elects leaders. Something outside it (a controller,
// a consensus group, an operator) decides and calls Directory.SetLeader.
// FailoverElector is the simplest such collaborator: it listens for brokers
// being marked dead and moves leadership of their partitions to a surviving
// in-sync replica.
//
//   broker 1 dead ──► for each partition led by 1:
//                        ISR minus dead brokers ──► first survivor becomes leader
//                        (none, and unclean allowed) ──► first alive replica
//                        (none) ──► leader = NoBroker, partition offline
//
// Electing outside the ISR ("unclean") can lose acknowledged records, so it
// is off unless configured.
//
// =============================================================================

package cluster

import (
	"errors"
	"log/slog"
)

// ErrNoEligibleLeader means no live replica can take over a partition.
var ErrNoEligibleLeader = errors.New("no eligible leader")

// ElectorConfig configures a FailoverElector.
type ElectorConfig struct {
	// UncleanElection allows electing a replica outside the ISR.
	UncleanElection bool

	Logger *slog.Logger
}

// FailoverElector reacts to broker failures by reassigning leadership.
type FailoverElector struct {
	directory *Directory
	config    ElectorConfig
	logger    *slog.Logger
}

// NewFailoverElector creates an elector and subscribes it to broker
// liveness changes on the directory.
func NewFailoverElector(directory *Directory, config ElectorConfig) *FailoverElector {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &FailoverElector{
		directory: directory,
		config:    config,
		logger:    logger.With("component", "failover_elector"),
	}
	directory.OnBrokerChange(e.handleBrokerChange)
	return e
}

func (e *FailoverElector) handleBrokerChange(info BrokerInfo) {
	if info.Alive {
		e.electOffline()
		return
	}
	e.FailoverBroker(info.ID)
}

// FailoverBroker moves leadership away from a failed broker. Returns the
// number of partitions that got a new leader.
func (e *FailoverElector) FailoverBroker(failed BrokerID) int {
	moved := 0
	for _, info := range e.directory.PartitionsOf(failed) {
		// The dead broker cannot count towards the ISR any more.
		if info.InISR(failed) {
			isr := withoutBroker(info.ISR, failed)
			if len(isr) > 0 || info.Leader != failed {
				if err := e.directory.SetISR(info.Topic, info.Partition, isr); err != nil {
					e.logger.Error("failed to shrink isr", "topic", info.Topic, "partition", info.Partition, "error", err)
				}
			}
			info.ISR = isr
		}
		if info.Leader != failed {
			continue
		}

		leader, err := e.choose(info)
		if err != nil {
			e.logger.Warn("partition offline: no eligible leader",
				"topic", info.Topic,
				"partition", info.Partition,
				"failed_broker", failed,
			)
			if err := e.directory.SetLeader(info.Topic, info.Partition, NoBroker); err != nil {
				e.logger.Error("failed to mark partition offline", "topic", info.Topic, "partition", info.Partition, "error", err)
			}
			continue
		}
		if err := e.directory.SetLeader(info.Topic, info.Partition, leader); err != nil {
			e.logger.Error("failed to set leader", "topic", info.Topic, "partition", info.Partition, "error", err)
			continue
		}
		moved++
	}
	return moved
}

// electOffline retries partitions that lost every leader candidate once a
// broker comes back.
func (e *FailoverElector) electOffline() {
	for _, name := range e.directory.Topics() {
		partitions, err := e.directory.Partitions(name)
		if err != nil {
			continue
		}
		for _, info := range partitions {
			if info.Leader != NoBroker {
				continue
			}
			leader, err := e.choose(info)
			if err != nil {
				continue
			}
			if err := e.directory.SetLeader(info.Topic, info.Partition, leader); err != nil {
				e.logger.Error("failed to set leader", "topic", info.Topic, "partition", info.Partition, "error", err)
			}
		}
	}
}

// choose picks the first alive ISR member, falling back to any alive
// replica when unclean election is enabled.
func (e *FailoverElector) choose(info PartitionInfo) (BrokerID, error) {
	for _, id := range info.ISR {
		if e.directory.IsAlive(id) {
			return id, nil
		}
	}
	if e.config.UncleanElection {
		for _, id := range info.Replicas {
			if e.directory.IsAlive(id) {
				e.logger.Warn("unclean leader election",
					"topic", info.Topic,
					"partition", info.Partition,
					"leader", id,
				)
				return id, nil
			}
		}
	}
	return NoBroker, ErrNoEligibleLeader
}

func withoutBroker(ids []BrokerID, drop BrokerID) []BrokerID {
	out := make([]BrokerID, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
