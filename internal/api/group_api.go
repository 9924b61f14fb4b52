package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"logq/internal/coordinator"
	"logq/pkg/protocol"
)

// =============================================================================
// CONSUMER GROUP HANDLERS
// =============================================================================
//
// The bodies are the protocol requests minus group_id, which comes from the
// path. A typical session:
//
//   POST /groups/billing/join       {"client_id": "c1", "topic": "orders"}
//        ◄── {"member_id": "c1-…", "generation": 1, "assignment": [...]}
//   GET  /topics/orders/partitions/0/records?group=billing&member=c1-…&generation=1
//   POST /groups/billing/offsets    {"member_id": "c1-…", "topic": "orders",
//                                    "partition": 0, "offset": 41, "generation": 1}
//   POST /groups/billing/heartbeat  {"member_id": "c1-…", "generation": 1}
//        ◄── 409 GROUP_REBALANCE_IN_PROGRESS  ──► join again
//
// =============================================================================

func (s *Server) joinGroup(w http.ResponseWriter, r *http.Request) {
	var req protocol.JoinGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	req.GroupID = chi.URLParam(r, "group")

	resp, err := s.cluster.JoinGroup(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	req.GroupID = chi.URLParam(r, "group")

	if err := s.cluster.Heartbeat(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.Ack{})
}

func (s *Server) leaveGroup(w http.ResponseWriter, r *http.Request) {
	var req protocol.LeaveGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	req.GroupID = chi.URLParam(r, "group")

	if err := s.cluster.LeaveGroup(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.Ack{})
}

func (s *Server) commitOffset(w http.ResponseWriter, r *http.Request) {
	var req protocol.CommitOffsetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	req.GroupID = chi.URLParam(r, "group")

	if err := s.cluster.CommitOffset(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.Ack{})
}

// getOffsets lists every committed offset of the group, or one offset when
// topic and partition are given.
func (s *Server) getOffsets(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")
	q := r.URL.Query()

	if topic := q.Get("topic"); topic != "" {
		partition, err := strconv.ParseInt(q.Get("partition"), 10, 32)
		if err != nil {
			s.badRequest(w, "partition must be an integer")
			return
		}
		resp, err := s.cluster.FetchOffset(r.Context(), protocol.FetchOffsetRequest{
			GroupID:   groupID,
			Topic:     topic,
			Partition: int32(partition),
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	offsets, err := s.cluster.Coordinator().GroupOffsets(r.Context(), groupID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if offsets == nil {
		offsets = []coordinator.CommittedOffset{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"group":   groupID,
		"offsets": offsets,
	})
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"groups": s.cluster.Coordinator().ListGroups(),
	})
}

func (s *Server) describeGroup(w http.ResponseWriter, r *http.Request) {
	desc, err := s.cluster.Coordinator().DescribeGroup(chi.URLParam(r, "group"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, desc)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")
	if err := s.cluster.Coordinator().DeleteGroup(r.Context(), groupID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
		"group":   groupID,
	})
}
