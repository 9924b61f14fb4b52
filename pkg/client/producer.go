// =============================================================================
// LOGQ PRODUCER - BATCHING, ROUTING, ACKNOWLEDGEMENTS
// =============================================================================
//
// The producer buffers records per partition and sends them when a batch is
// full, when the linger timer fires, or on Flush. Every record goes through
// the same steps:
//
//   Send(rec) ──► records channel ──► accumulator goroutine
//                                          │
//        1. route:   metadata ─► cluster.Topic.RouteToPartition(key)
//        2. number:  (producer id, partition) ─► next sequence
//        3. batch:   Partition 0: [r, r, r]   Partition 1: [r]
//                                          │ BatchSize / Linger / Flush
//                                          ▼
//        4. send to the leader named by metadata
//        5. apply the ack policy of the configured AckLevel
//
// ACK POLICIES:
//
//   ┌────────────┬───────────────────────────────────────────────────────┐
//   │ AckNone    │ handed to a FIFO sender, reported done immediately    │
//   │ AckLeader  │ wait for the leader's local append                    │
//   │ AckAll     │ wait until every ISR member holds the record, or      │
//   │            │ ErrInsufficientReplicas / ErrDeliveryTimeout          │
//   └────────────┴───────────────────────────────────────────────────────┘
//
// ORDERING:
//   A partition's batch is sent one record at a time from the accumulator
//   goroutine, so records for one partition land in submission order.
//   AckNone records share one FIFO sender for the same reason.
//
// RETRIES:
//   NOT_LEADER_FOR_PARTITION, PARTITION_NOT_FOUND and BROKER_NOT_FOUND mean
//   the cached metadata is stale: refresh it once and resend. The resend
//   carries the same producer id and sequence, so a leader that already
//   appended the first attempt answers with the original offset. Durability
//   errors are reported, never retried.
//
// =============================================================================

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"logq/internal/cluster"
	"logq/pkg/protocol"
)

// =============================================================================
// PRODUCER CONFIGURATION
// =============================================================================

// ProducerConfig configures a Producer. Start from DefaultProducerConfig:
// the zero AckLevel is AckNone.
//
//	BatchSize: records per partition batch before it is sent.
//	Linger:    longest a non-empty batch waits. Zero sends every record
//	           as soon as it arrives.
//	AckTimeout: how long the leader waits for the ISR on AckAll.
type ProducerConfig struct {
	BatchSize  int
	Linger     time.Duration
	BufferSize int

	// BlockOnFull makes Send wait for buffer space instead of failing
	// with ErrBufferFull.
	BlockOnFull bool

	Acks       protocol.AckLevel
	AckTimeout time.Duration

	// RequestTimeout bounds one produce call including the ack wait.
	RequestTimeout time.Duration

	// ProducerID keys broker-side deduplication. Defaults to a UUID.
	ProducerID string

	// NewPartitioner picks the routing strategy for keyless records.
	// Defaults to cluster.NewHashPartitioner.
	NewPartitioner func() cluster.Partitioner

	Logger *slog.Logger
}

// DefaultProducerConfig returns sensible defaults for most use cases.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		BatchSize:      100,
		Linger:         5 * time.Millisecond,
		BufferSize:     10000,
		BlockOnFull:    true,
		Acks:           protocol.AckLeader,
		AckTimeout:     10 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// =============================================================================
// RECORDS AND RESULTS
// =============================================================================

// ProducerRecord is one record to send.
type ProducerRecord struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string

	// Partition is used only when Pinned is set; otherwise the key decides.
	Partition int32
	Pinned    bool
}

// ProducerResult reports the delivery of one record. Offset is -1 for
// AckNone, which never learns where the record landed.
type ProducerResult struct {
	Topic     string
	Partition int32
	Offset    int64

	// Duplicate is set when the leader recognised a retry.
	Duplicate bool

	Error error
}

// pending is a record travelling through the accumulator.
type pending struct {
	rec      ProducerRecord
	tp       protocol.TopicPartition
	sequence int64
	result   chan ProducerResult
}

type batch struct {
	records   []*pending
	createdAt time.Time
}

// route is the producer's cached view of one topic.
type route struct {
	topic   *cluster.Topic
	leaders map[int32]int32
}

// ProducerStats holds producer counters.
type ProducerStats struct {
	RecordsSent       int64
	RecordsAcked      int64
	RecordsFailed     int64
	BatchesSent       int64
	BytesSent         int64
	Retries           int64
	Duplicates        int64
	MetadataRefreshes int64
	LastFlushTime     time.Time
	LastError         error
	LastErrorTime     time.Time
}

// =============================================================================
// PRODUCER STRUCT
// =============================================================================

// Producer sends records to any topic of a cluster.
//
//	producer, err := client.NewProducer(conn, client.DefaultProducerConfig())
//	defer producer.Close()
//
//	result := producer.SendSync(ctx, client.ProducerRecord{Topic: "orders", Key: []byte("A"), Value: v})
//	ch, err := producer.Send(ctx, rec)   // result arrives on ch
type Producer struct {
	conn   Conn
	config ProducerConfig
	logger *slog.Logger

	records chan *pending
	flushCh chan chan error
	closeCh chan struct{}
	wg      sync.WaitGroup

	// Only the accumulator goroutine touches batches and sequences.
	batches   map[protocol.TopicPartition]*batch
	sequences map[protocol.TopicPartition]int64

	// fireCh feeds the AckNone sender.
	fireCh chan *pending
	fireWg sync.WaitGroup

	routesMu sync.RWMutex
	routes   map[string]*route

	mu     sync.RWMutex
	closed bool

	stats   ProducerStats
	statsMu sync.Mutex
}

// ackPolicy delivers one record under one AckLevel.
type ackPolicy func(p *Producer, pd *pending) (protocol.ProduceResponse, error)

var ackPolicies = map[protocol.AckLevel]ackPolicy{
	protocol.AckNone:   (*Producer).sendNoAck,
	protocol.AckLeader: (*Producer).sendAwait,
	protocol.AckAll:    (*Producer).sendAwait,
}

// NewProducer starts a producer on conn.
func NewProducer(conn Conn, config ProducerConfig) (*Producer, error) {
	if conn == nil {
		return nil, errors.New("producer needs a connection")
	}
	if _, ok := ackPolicies[config.Acks]; !ok {
		return nil, fmt.Errorf("%w: ack level %d", protocol.ErrInvalidRequest, config.Acks)
	}
	defaults := DefaultProducerConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Linger < 0 {
		config.Linger = 0
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = defaults.AckTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.ProducerID == "" {
		config.ProducerID = uuid.NewString()
	}
	if config.NewPartitioner == nil {
		config.NewPartitioner = func() cluster.Partitioner { return cluster.NewHashPartitioner() }
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Producer{
		conn:      conn,
		config:    config,
		logger:    logger.With("component", "producer", "producer_id", config.ProducerID),
		records:   make(chan *pending, config.BufferSize),
		flushCh:   make(chan chan error, 1),
		closeCh:   make(chan struct{}),
		batches:   make(map[protocol.TopicPartition]*batch),
		sequences: make(map[protocol.TopicPartition]int64),
		fireCh:    make(chan *pending, config.BufferSize),
		routes:    make(map[string]*route),
	}

	p.wg.Add(1)
	go p.accumulatorLoop()

	p.fireWg.Add(1)
	go p.fireLoop()

	return p, nil
}

// ID returns the producer id used for deduplication.
func (p *Producer) ID() string {
	return p.config.ProducerID
}

// =============================================================================
// SEND OPERATIONS
// =============================================================================

// Send queues rec and returns the channel its result will arrive on.
func (p *Producer) Send(ctx context.Context, rec ProducerRecord) (<-chan ProducerResult, error) {
	pd := &pending{rec: rec, result: make(chan ProducerResult, 1)}
	if err := p.enqueue(ctx, pd); err != nil {
		return nil, err
	}
	return pd.result, nil
}

// SendSync sends rec and waits for its result.
func (p *Producer) SendSync(ctx context.Context, rec ProducerRecord) ProducerResult {
	ch, err := p.Send(ctx, rec)
	if err != nil {
		return ProducerResult{Topic: rec.Topic, Partition: rec.Partition, Offset: -1, Error: err}
	}
	select {
	case result := <-ch:
		return result
	case <-ctx.Done():
		return ProducerResult{Topic: rec.Topic, Partition: rec.Partition, Offset: -1, Error: ctx.Err()}
	}
}

func (p *Producer) enqueue(ctx context.Context, pd *pending) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	if pd.rec.Topic == "" {
		return fmt.Errorf("%w: record has no topic", protocol.ErrInvalidRequest)
	}

	if !p.config.BlockOnFull {
		select {
		case p.records <- pd:
			return nil
		default:
			return ErrBufferFull
		}
	}
	select {
	case p.records <- pd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush sends every buffered record and waits for the acknowledgements.
// The error is the last delivery error of the flush, if any.
func (p *Producer) Flush(ctx context.Context) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrProducerClosed
	}

	errCh := make(chan error, 1)
	select {
	case p.flushCh <- errCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closeCh:
		return ErrProducerClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// ACCUMULATOR LOOP
// =============================================================================

func (p *Producer) accumulatorLoop() {
	defer p.wg.Done()

	var lingerCh <-chan time.Time
	if p.config.Linger > 0 {
		ticker := time.NewTicker(p.config.Linger)
		defer ticker.Stop()
		lingerCh = ticker.C
	}

	for {
		// Queued records go into batches before a flush or close is served,
		// so Flush covers everything sent before it.
		p.drainRecords()

		select {
		case <-p.closeCh:
			p.drainRecords()
			p.flushAll()
			return

		case pd := <-p.records:
			p.addToBatch(pd)

		case <-lingerCh:
			p.flushStale()

		case errCh := <-p.flushCh:
			p.drainRecords()
			errCh <- p.flushAll()
		}
	}
}

func (p *Producer) drainRecords() {
	for {
		select {
		case pd := <-p.records:
			p.addToBatch(pd)
		default:
			return
		}
	}
}

// addToBatch routes pd, numbers it and appends it to its partition batch.
func (p *Producer) addToBatch(pd *pending) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.RequestTimeout)
	defer cancel()

	rt, err := p.route(ctx, pd.rec.Topic)
	if err != nil {
		p.complete(pd, protocol.ProduceResponse{}, err)
		return
	}
	partition := pd.rec.Partition
	if !pd.rec.Pinned {
		partition = rt.topic.RouteToPartition(pd.rec.Key)
	}
	if partition < 0 || int(partition) >= rt.topic.NumPartitions() {
		p.complete(pd, protocol.ProduceResponse{},
			fmt.Errorf("%w: %s-%d", protocol.ErrPartitionNotFound, pd.rec.Topic, partition))
		return
	}
	pd.tp = protocol.TopicPartition{Topic: pd.rec.Topic, Partition: partition}
	pd.sequence = p.sequences[pd.tp]
	p.sequences[pd.tp]++

	b, ok := p.batches[pd.tp]
	if !ok {
		b = &batch{records: make([]*pending, 0, p.config.BatchSize), createdAt: time.Now()}
		p.batches[pd.tp] = b
	}
	b.records = append(b.records, pd)

	p.statsMu.Lock()
	p.stats.RecordsSent++
	p.stats.BytesSent += int64(len(pd.rec.Key) + len(pd.rec.Value))
	p.statsMu.Unlock()

	if p.config.Linger == 0 || len(b.records) >= p.config.BatchSize {
		p.flushBatch(pd.tp)
	}
}

func (p *Producer) flushStale() {
	for tp, b := range p.batches {
		if time.Since(b.createdAt) >= p.config.Linger {
			p.flushBatch(tp)
		}
	}
}

func (p *Producer) flushAll() error {
	var lastErr error
	for tp := range p.batches {
		if err := p.flushBatch(tp); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// flushBatch sends one partition's batch in submission order.
func (p *Producer) flushBatch(tp protocol.TopicPartition) error {
	b, ok := p.batches[tp]
	if !ok {
		return nil
	}
	delete(p.batches, tp)
	if len(b.records) == 0 {
		return nil
	}

	policy := ackPolicies[p.config.Acks]
	var batchErr error
	for _, pd := range b.records {
		resp, err := policy(p, pd)
		if err != nil {
			batchErr = err
		}
		p.complete(pd, resp, err)
	}

	p.statsMu.Lock()
	p.stats.BatchesSent++
	p.stats.LastFlushTime = time.Now()
	p.statsMu.Unlock()
	return batchErr
}

// complete reports the result of pd to its sender.
func (p *Producer) complete(pd *pending, resp protocol.ProduceResponse, err error) {
	result := ProducerResult{
		Topic:     pd.rec.Topic,
		Partition: pd.tp.Partition,
		Offset:    resp.Offset,
		Duplicate: resp.Duplicate,
		Error:     err,
	}
	if err != nil {
		result.Offset = -1
	}

	p.statsMu.Lock()
	if err != nil {
		p.stats.RecordsFailed++
		p.stats.LastError = err
		p.stats.LastErrorTime = time.Now()
	} else {
		p.stats.RecordsAcked++
		if resp.Duplicate {
			p.stats.Duplicates++
		}
	}
	p.statsMu.Unlock()

	if err != nil {
		p.logger.Warn("produce failed", "topic", pd.rec.Topic, "partition", pd.tp.Partition, "error", err)
	}
	select {
	case pd.result <- result:
	default:
	}
}

// =============================================================================
// ACK POLICIES
// =============================================================================

// sendAwait serves AckLeader and AckAll: the broker holds the response
// until the requested acknowledgement is reached.
func (p *Producer) sendAwait(pd *pending) (protocol.ProduceResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.RequestTimeout)
	defer cancel()
	return p.sendWithRefresh(ctx, pd, p.config.Acks)
}

// sendNoAck hands pd to the FIFO sender and reports success at once.
func (p *Producer) sendNoAck(pd *pending) (protocol.ProduceResponse, error) {
	p.fireCh <- pd
	return protocol.ProduceResponse{Partition: pd.tp.Partition, Offset: -1}, nil
}

func (p *Producer) fireLoop() {
	defer p.fireWg.Done()
	for pd := range p.fireCh {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.RequestTimeout)
		_, err := p.sendWithRefresh(ctx, pd, protocol.AckNone)
		cancel()
		if err != nil {
			p.statsMu.Lock()
			p.stats.LastError = err
			p.stats.LastErrorTime = time.Now()
			p.statsMu.Unlock()
			p.logger.Warn("unacknowledged produce failed", "topic", pd.tp.Topic, "partition", pd.tp.Partition, "error", err)
		}
	}
}

// sendWithRefresh sends pd to the cached leader. Stale routing is
// refreshed once and the same record is resent.
func (p *Producer) sendWithRefresh(ctx context.Context, pd *pending, acks protocol.AckLevel) (protocol.ProduceResponse, error) {
	resp, err := p.conn.Produce(ctx, p.request(pd, acks))
	if err == nil || !staleRouting(err) {
		return resp, err
	}

	p.logger.Debug("refreshing metadata after routing error", "topic", pd.tp.Topic, "partition", pd.tp.Partition, "error", err)
	if _, rerr := p.refresh(ctx, pd.tp.Topic); rerr != nil {
		return resp, err
	}
	p.statsMu.Lock()
	p.stats.Retries++
	p.statsMu.Unlock()
	return p.conn.Produce(ctx, p.request(pd, acks))
}

func (p *Producer) request(pd *pending, acks protocol.AckLevel) protocol.ProduceRequest {
	req := protocol.ProduceRequest{
		Broker:    p.leader(pd.tp),
		Topic:     pd.tp.Topic,
		Partition: pd.tp.Partition,
		Record: protocol.Record{
			Key:        pd.rec.Key,
			Value:      pd.rec.Value,
			Headers:    pd.rec.Headers,
			ProducerID: p.config.ProducerID,
			Sequence:   pd.sequence,
		},
		Acks: acks,
	}
	if acks == protocol.AckAll {
		req.TimeoutMs = p.config.AckTimeout.Milliseconds()
	}
	return req
}

// staleRouting reports errors cured by fresh metadata.
func staleRouting(err error) bool {
	return protocol.IsRetriable(err) || errors.Is(err, protocol.ErrBrokerNotFound)
}

// =============================================================================
// METADATA
// =============================================================================

func (p *Producer) route(ctx context.Context, topic string) (*route, error) {
	p.routesMu.RLock()
	rt, ok := p.routes[topic]
	p.routesMu.RUnlock()
	if ok {
		return rt, nil
	}
	return p.refresh(ctx, topic)
}

// refresh reloads a topic's leaders. The routing Topic is kept so keyless
// round robin continues where it was.
func (p *Producer) refresh(ctx context.Context, topic string) (*route, error) {
	md, err := p.conn.Metadata(ctx, protocol.MetadataRequest{Topic: topic})
	if err != nil {
		return nil, err
	}

	leaders := make(map[int32]int32, len(md.Partitions))
	for _, pm := range md.Partitions {
		leaders[pm.Partition] = pm.Leader
	}

	p.routesMu.Lock()
	defer p.routesMu.Unlock()

	rt, ok := p.routes[topic]
	if !ok || rt.topic.NumPartitions() != int(md.NumPartitions) {
		rt = &route{topic: cluster.NewTopicWithPartitioner(cluster.TopicConfig{
			Name:              md.Topic,
			NumPartitions:     int(md.NumPartitions),
			ReplicationFactor: int(md.ReplicationFactor),
		}, p.config.NewPartitioner())}
	}
	p.routes[topic] = &route{topic: rt.topic, leaders: leaders}

	p.statsMu.Lock()
	p.stats.MetadataRefreshes++
	p.statsMu.Unlock()
	return p.routes[topic], nil
}

// leader returns the cached leader of tp, or AnyBroker when there is none.
func (p *Producer) leader(tp protocol.TopicPartition) int32 {
	p.routesMu.RLock()
	defer p.routesMu.RUnlock()

	rt, ok := p.routes[tp.Topic]
	if !ok {
		return protocol.AnyBroker
	}
	if leader, ok := rt.leaders[tp.Partition]; ok && leader > 0 {
		return leader
	}
	return protocol.AnyBroker
}

// =============================================================================
// PRODUCER LIFECYCLE
// =============================================================================

// Close sends everything buffered, waits for the unacknowledged sender to
// drain, and stops the producer.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.closeCh)
	p.wg.Wait()

	close(p.fireCh)
	p.fireWg.Wait()
	return nil
}

// Stats returns a snapshot of the producer counters.
func (p *Producer) Stats() ProducerStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// Config returns the effective configuration.
func (p *Producer) Config() ProducerConfig {
	return p.config
}
