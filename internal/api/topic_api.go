package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"logq/internal/cluster"
	"logq/pkg/protocol"
)

// =============================================================================
// TOPIC HANDLERS
// =============================================================================

// CreateTopicRequest is the request body for topic creation.
//
//	{"name": "orders", "partitions": 3, "replication_factor": 3,
//	 "retention": "24h", "min_insync_replicas": 2}
type CreateTopicRequest struct {
	Name              string `json:"name"`
	Partitions        int    `json:"partitions"`
	ReplicationFactor int    `json:"replication_factor"`

	// Retention is a Go duration string. Empty keeps records forever.
	Retention         string `json:"retention,omitempty"`
	MinInSyncReplicas int    `json:"min_insync_replicas,omitempty"`
	ValueSchema       string `json:"value_schema,omitempty"`
}

func (s *Server) createTopic(w http.ResponseWriter, r *http.Request) {
	var req CreateTopicRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}

	if req.Partitions == 0 {
		req.Partitions = 1
	}
	if req.ReplicationFactor == 0 {
		req.ReplicationFactor = 1
	}
	var retention time.Duration
	if req.Retention != "" {
		d, err := time.ParseDuration(req.Retention)
		if err != nil {
			s.badRequest(w, "retention: "+err.Error())
			return
		}
		retention = d
	}

	meta, err := s.cluster.CreateTopic(cluster.TopicConfig{
		Name:              req.Name,
		NumPartitions:     req.Partitions,
		ReplicationFactor: req.ReplicationFactor,
		Retention:         retention,
		MinInSyncReplicas: req.MinInSyncReplicas,
		ValueSchema:       req.ValueSchema,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"topics": s.cluster.Topics(),
	})
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	meta, err := s.cluster.Metadata(r.Context(), protocol.MetadataRequest{
		Topic: chi.URLParam(r, "topic"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

// =============================================================================
// RECORD HANDLERS
// =============================================================================

// ProduceRecordRequest is one record in text form.
//
//	{"key": "customer-7", "value": "{\"total\": 12}", "acks": "all"}
//
// Partition pins the record; without it the broker routes by key. A missing
// key is "no key", which is different from an empty key. With encoding
// "base64" the key and value are decoded before they are stored, which is
// how binary payloads travel over JSON.
type ProduceRecordRequest struct {
	Partition *int32            `json:"partition,omitempty"`
	Key       *string           `json:"key,omitempty"`
	Value     string            `json:"value"`
	Encoding  string            `json:"encoding,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	// Acks is none, leader (default) or all.
	Acks      string `json:"acks,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`

	ProducerID string `json:"producer_id,omitempty"`
	Sequence   int64  `json:"sequence,omitempty"`
}

// ProduceRecordResponse reports where the record landed.
type ProduceRecordResponse struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (s *Server) produce(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")

	var body ProduceRecordRequest
	if err := decodeJSON(r, &body); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	acks, err := protocol.ParseAckLevel(body.Acks)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	value, err := decodePayload(body.Value, body.Encoding)
	if err != nil {
		s.badRequest(w, "value: "+err.Error())
		return
	}

	req := protocol.ProduceRequest{
		Topic:     topic,
		Partition: protocol.NoPartition,
		Acks:      acks,
		TimeoutMs: body.TimeoutMs,
		Record: protocol.Record{
			Value:      value,
			Headers:    body.Headers,
			ProducerID: body.ProducerID,
			Sequence:   body.Sequence,
		},
	}
	if body.Partition != nil {
		req.Partition = *body.Partition
	}
	if body.Key != nil {
		key, err := decodePayload(*body.Key, body.Encoding)
		if err != nil {
			s.badRequest(w, "key: "+err.Error())
			return
		}
		req.Record.Key = key
	}

	resp, err := s.cluster.Produce(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ProduceRecordResponse{
		Topic:     topic,
		Partition: resp.Partition,
		Offset:    resp.Offset,
		Duplicate: resp.Duplicate,
	})
}

// RecordView is a fetched record in text form. When the key or value is not
// valid UTF-8 both are base64 and Encoding says so.
type RecordView struct {
	Offset     int64             `json:"offset"`
	Key        *string           `json:"key,omitempty"`
	Value      string            `json:"value"`
	Encoding   string            `json:"encoding,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ProducedAt time.Time         `json:"produced_at"`
}

const encodingBase64 = "base64"

func newRecordView(rec protocol.Record) RecordView {
	rv := RecordView{
		Offset:     rec.Offset,
		Headers:    rec.Headers,
		ProducedAt: rec.ProducedAt,
	}
	text := func(b []byte) string { return string(b) }
	if !utf8.Valid(rec.Value) || !utf8.Valid(rec.Key) {
		rv.Encoding = encodingBase64
		text = base64.StdEncoding.EncodeToString
	}
	rv.Value = text(rec.Value)
	if rec.HasKey() {
		key := text(rec.Key)
		rv.Key = &key
	}
	return rv
}

func decodePayload(s, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "", "utf8", "utf-8", "text":
		return []byte(s), nil
	case encodingBase64:
		return base64.StdEncoding.DecodeString(s)
	default:
		return nil, fmt.Errorf("unknown encoding %q, want base64 or utf8", encoding)
	}
}

// FetchView is the response of a fetch. NextOffset is where the following
// fetch should start.
type FetchView struct {
	Topic          string       `json:"topic"`
	Partition      int32        `json:"partition"`
	Records        []RecordView `json:"records"`
	HighWatermark  int64        `json:"high_watermark"`
	LogStartOffset int64        `json:"log_start_offset"`
	LogEndOffset   int64        `json:"log_end_offset"`
	NextOffset     int64        `json:"next_offset"`
}

// fetch reads records.
//
// QUERY PARAMETERS:
//
//	offset      number, "earliest" or "latest" (default earliest)
//	max         max records (default 100)
//	isolation   read_committed | read_uncommitted
//	broker      address one broker instead of the leader
//	group, member, generation   fence the read on a group generation
func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	partition, err := strconv.ParseInt(chi.URLParam(r, "partition"), 10, 32)
	if err != nil {
		s.badRequest(w, "partition must be an integer")
		return
	}

	q := r.URL.Query()
	req := protocol.FetchRequest{
		Topic:      topic,
		Partition:  int32(partition),
		FromOffset: protocol.OffsetEarliest,
		MaxRecords: 100,
		GroupID:    q.Get("group"),
		MemberID:   q.Get("member"),
	}

	switch v := strings.ToLower(q.Get("offset")); v {
	case "", "earliest":
	case "latest":
		req.FromOffset = protocol.OffsetLatest
	default:
		offset, err := strconv.ParseInt(v, 10, 64)
		if err != nil || offset < 0 {
			s.badRequest(w, "offset must be a non-negative integer, earliest or latest")
			return
		}
		req.FromOffset = offset
	}
	if v := q.Get("max"); v != "" {
		max, err := strconv.Atoi(v)
		if err != nil || max <= 0 {
			s.badRequest(w, "max must be a positive integer")
			return
		}
		req.MaxRecords = max
	}
	switch q.Get("isolation") {
	case "", "read_uncommitted", "uncommitted":
	case "read_committed", "committed":
		req.Isolation = protocol.ReadCommitted
	default:
		s.badRequest(w, "isolation must be read_committed or read_uncommitted")
		return
	}
	if v := q.Get("broker"); v != "" {
		id, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			s.badRequest(w, "broker must be an integer")
			return
		}
		req.Broker = int32(id)
	}
	if v := q.Get("generation"); v != "" {
		gen, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			s.badRequest(w, "generation must be an integer")
			return
		}
		req.Generation = int32(gen)
	}

	resp, err := s.cluster.Fetch(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := FetchView{
		Topic:          topic,
		Partition:      req.Partition,
		Records:        make([]RecordView, 0, len(resp.Records)),
		HighWatermark:  resp.HighWatermark,
		LogStartOffset: resp.LogStartOffset,
		LogEndOffset:   resp.LogEndOffset,
		NextOffset:     req.FromOffset,
	}
	for _, rec := range resp.Records {
		view.Records = append(view.Records, newRecordView(rec))
	}
	switch {
	case len(resp.Records) > 0:
		view.NextOffset = resp.Records[len(resp.Records)-1].Offset + 1
	case req.FromOffset == protocol.OffsetEarliest:
		view.NextOffset = resp.LogStartOffset
	case req.FromOffset == protocol.OffsetLatest:
		view.NextOffset = resp.LogEndOffset
		if req.Isolation == protocol.ReadCommitted {
			view.NextOffset = resp.HighWatermark
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}
