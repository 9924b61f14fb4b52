// =============================================================================
// ADMIN API - BROKER LIVENESS AND PLACEMENT
// =============================================================================
//
// These endpoints drive the membership hook of the cluster. Marking a broker
// dead stops it and fails its partitions over to surviving in-sync
// replicas; marking it alive restarts it as a follower that catches up.
//
//   PUT /brokers/2/alive {"alive": false}
//
//     orders-0  leader 2 ─► leader 1     (first live ISR member)
//     orders-1  ISR [3 1 2] ─► [3 1]     (after the lag check)
//
// THESE ARE DANGEROUS OPERATIONS! Put them behind an authenticating proxy in
// anything but a test deployment.
//
// =============================================================================

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"logq/internal/cluster"
)

// BrokerView is one broker with its hosted partitions.
type BrokerView struct {
	cluster.BrokerInfo
	Running    bool            `json:"running"`
	Partitions []PartitionView `json:"partitions,omitempty"`
}

// PartitionView is one replica hosted by a broker.
type PartitionView struct {
	Topic          string             `json:"topic"`
	Partition      int32              `json:"partition"`
	Role           string             `json:"role"`
	LogStartOffset int64              `json:"log_start_offset"`
	LogEndOffset   int64              `json:"log_end_offset"`
	HighWatermark  int64              `json:"high_watermark"`
	ISR            []cluster.BrokerID `json:"isr,omitempty"`
}

// SetAliveRequest is the body of PUT /brokers/{id}/alive.
type SetAliveRequest struct {
	Alive *bool `json:"alive"`
}

func (s *Server) listBrokers(w http.ResponseWriter, r *http.Request) {
	infos := s.cluster.Directory().Brokers()
	views := make([]BrokerView, 0, len(infos))
	for _, info := range infos {
		view := BrokerView{BrokerInfo: info}
		if node, err := s.cluster.Node(info.ID); err == nil {
			view.Running = node.Running()
		}
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"brokers": views,
	})
}

func (s *Server) getBroker(w http.ResponseWriter, r *http.Request) {
	id, ok := s.brokerID(w, r)
	if !ok {
		return
	}
	info, err := s.cluster.Directory().Broker(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	node, err := s.cluster.Node(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := BrokerView{BrokerInfo: info, Running: node.Running()}
	for _, h := range node.Hosted() {
		view.Partitions = append(view.Partitions, PartitionView{
			Topic:          h.TopicPartition.Topic,
			Partition:      h.TopicPartition.Partition,
			Role:           h.Role.String(),
			LogStartOffset: h.LogStartOffset,
			LogEndOffset:   h.LogEndOffset,
			HighWatermark:  h.HighWatermark,
			ISR:            h.ISR,
		})
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) setBrokerAlive(w http.ResponseWriter, r *http.Request) {
	id, ok := s.brokerID(w, r)
	if !ok {
		return
	}
	var req SetAliveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if req.Alive == nil {
		s.badRequest(w, "alive is required")
		return
	}

	if err := s.cluster.SetBrokerAlive(id, *req.Alive); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Warn("broker liveness changed by admin", "broker", int32(id), "alive", *req.Alive)

	info, err := s.cluster.Directory().Broker(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) brokerID(w http.ResponseWriter, r *http.Request) (cluster.BrokerID, bool) {
	raw := chi.URLParam(r, "brokerID")
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || id <= 0 {
		s.badRequest(w, "broker id must be a positive integer")
		return 0, false
	}
	if _, err := s.cluster.Node(cluster.BrokerID(id)); err != nil {
		s.writeError(w, err)
		return 0, false
	}
	return cluster.BrokerID(id), true
}
