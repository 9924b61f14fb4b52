package coordinator

import (
	"sort"

	"logq/pkg/protocol"
)

// Assignor maps partitions to members. members and each topic's partition
// count come from the coordinator; subscriptions maps member ID to its topic.
type Assignor interface {
	Name() string
	Assign(subscriptions map[string]string, partitionCounts map[string]int) map[string][]protocol.TopicPartition
}

// RoundRobinAssignor deals partitions to members in sorted order:
//
//   members [a, b]   partitions [0 1 2 3 4]
//   a ─► 0 2 4
//   b ─► 1 3
//
// Each topic is dealt separately among the members subscribed to it, so
// partition counts per member differ by at most one within a topic.
type RoundRobinAssignor struct{}

func (RoundRobinAssignor) Name() string { return "roundrobin" }

func (RoundRobinAssignor) Assign(subscriptions map[string]string, partitionCounts map[string]int) map[string][]protocol.TopicPartition {
	byTopic := make(map[string][]string)
	out := make(map[string][]protocol.TopicPartition, len(subscriptions))
	for member, topic := range subscriptions {
		byTopic[topic] = append(byTopic[topic], member)
		out[member] = nil
	}

	topics := make([]string, 0, len(byTopic))
	for topic := range byTopic {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		members := byTopic[topic]
		sort.Strings(members)
		for p := 0; p < partitionCounts[topic]; p++ {
			member := members[p%len(members)]
			out[member] = append(out[member], protocol.TopicPartition{Topic: topic, Partition: int32(p)})
		}
	}
	return out
}
