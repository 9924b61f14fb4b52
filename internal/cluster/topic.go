package cluster

// Topic is the routing view of a registered topic. Producers build one from
// metadata and route every record through it.
type Topic struct {
	config      TopicConfig
	partitioner Partitioner
}

// NewTopic creates a Topic routing with a fresh HashPartitioner.
func NewTopic(config TopicConfig) *Topic {
	return NewTopicWithPartitioner(config, NewHashPartitioner())
}

// NewTopicWithPartitioner lets callers swap the routing strategy.
func NewTopicWithPartitioner(config TopicConfig, p Partitioner) *Topic {
	if p == nil {
		p = NewHashPartitioner()
	}
	return &Topic{config: config, partitioner: p}
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.config.Name
}

// NumPartitions returns the fixed partition count.
func (t *Topic) NumPartitions() int {
	return t.config.NumPartitions
}

// Config returns a copy of the topic config.
func (t *Topic) Config() TopicConfig {
	return t.config
}

// RouteToPartition maps a key to a partition. For non-nil keys the result
// depends only on the key and the partition count.
func (t *Topic) RouteToPartition(key []byte) int32 {
	return t.partitioner.Partition(key, t.config.NumPartitions)
}
