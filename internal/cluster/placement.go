// =============================================================================
// REPLICA PLACEMENT
// =============================================================================
//
// When a topic is registered, every partition gets an ordered replica list.
// The first replica is the preferred leader.
//
// ROUND ROBIN (default):
//
//   brokers [1 2 3], 3 partitions, rf=2
//
//     partition 0 → [1 2]
//     partition 1 → [2 3]
//     partition 2 → [3 1]
//
//   Leaders are spread evenly and each broker follows its neighbour.
//
// HASH RING:
//   Each partition key ("orders-0") is placed on a consistent hash ring of
//   brokers. Adding a broker moves only the partitions that land on it,
//   which suits clusters that grow often.
//
// =============================================================================

package cluster

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/serialx/hashring"

	"logq/pkg/protocol"
)

// Placement assigns replica lists for the partitions of a new topic.
type Placement interface {
	Place(topic string, numPartitions, replicationFactor int, brokers []BrokerID) ([][]BrokerID, error)
}

func checkPlacement(replicationFactor int, brokers []BrokerID) error {
	if replicationFactor > len(brokers) {
		return fmt.Errorf("%w: replication factor %d exceeds %d live brokers",
			protocol.ErrInsufficientReplicas, replicationFactor, len(brokers))
	}
	return nil
}

// RoundRobinPlacement staggers replica lists across sorted brokers.
type RoundRobinPlacement struct{}

func (RoundRobinPlacement) Place(_ string, numPartitions, replicationFactor int, brokers []BrokerID) ([][]BrokerID, error) {
	if err := checkPlacement(replicationFactor, brokers); err != nil {
		return nil, err
	}
	sorted := sortedBrokers(brokers)

	out := make([][]BrokerID, numPartitions)
	for p := 0; p < numPartitions; p++ {
		replicas := make([]BrokerID, replicationFactor)
		for r := 0; r < replicationFactor; r++ {
			replicas[r] = sorted[(p+r)%len(sorted)]
		}
		out[p] = replicas
	}
	return out, nil
}

// HashRingPlacement places partitions on a consistent hash ring of brokers.
type HashRingPlacement struct{}

func (HashRingPlacement) Place(topic string, numPartitions, replicationFactor int, brokers []BrokerID) ([][]BrokerID, error) {
	if err := checkPlacement(replicationFactor, brokers); err != nil {
		return nil, err
	}

	names := make([]string, len(brokers))
	byName := make(map[string]BrokerID, len(brokers))
	for i, id := range sortedBrokers(brokers) {
		names[i] = strconv.Itoa(int(id))
		byName[names[i]] = id
	}
	ring := hashring.New(names)

	out := make([][]BrokerID, numPartitions)
	for p := 0; p < numPartitions; p++ {
		key := fmt.Sprintf("%s-%d", topic, p)
		nodes, ok := ring.GetNodes(key, replicationFactor)
		if !ok || len(nodes) != replicationFactor {
			return nil, fmt.Errorf("%w: hash ring returned %d of %d replicas for %s",
				protocol.ErrInsufficientReplicas, len(nodes), replicationFactor, key)
		}
		replicas := make([]BrokerID, len(nodes))
		for i, n := range nodes {
			replicas[i] = byName[n]
		}
		out[p] = replicas
	}
	return out, nil
}

// PlacementByName resolves a config value to a strategy.
func PlacementByName(name string) (Placement, error) {
	switch name {
	case "", "round_robin", "roundrobin":
		return RoundRobinPlacement{}, nil
	case "hashring", "hash_ring":
		return HashRingPlacement{}, nil
	default:
		return nil, fmt.Errorf("unknown placement %q (supported: round_robin, hashring)", name)
	}
}

func sortedBrokers(brokers []BrokerID) []BrokerID {
	sorted := append([]BrokerID(nil), brokers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}
