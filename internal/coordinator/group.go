// =============================================================================
// CONSUMER GROUP - MEMBERSHIP AND GENERATIONS
// =============================================================================
//
// A group moves through four states:
//
//                  first join
//     ┌───────┐ ───────────────► ┌─────────────┐  all members rejoined  ┌────────┐
//     │ Empty │                  │ Rebalancing │ ─────────────────────► │ Stable │
//     └───────┘ ◄─────────────── └─────────────┘ ◄───────────────────── └────────┘
//         ▲       last member       ▲                join / leave /
//         │       leaves            │                session timeout
//         │                         │
//         └──── DeleteGroup ────► Dead
//
// Every membership change bumps the GENERATION. The member that caused the
// change learns the new generation immediately; every other member is marked
// unsynced and keeps getting ErrGroupRebalanceInProgress until it rejoins:
//
//   gen 1: A{p0,p1,p2}          B joins  ─► gen 2: A{p0,p2}*  B{p1}
//                                                 * unsynced until A rejoins
//
// Requests are checked against the generation:
//
//   member unknown                      ─► ErrUnknownMember
//   generation == current               ─► ok
//   generation <  current, Rebalancing  ─► ErrGroupRebalanceInProgress
//   anything else                       ─► ErrStaleGeneration
//
// =============================================================================

package coordinator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"logq/pkg/protocol"
)

// maxGroupIDLength bounds group IDs; they name directories in the file
// offset store.
const maxGroupIDLength = 249

// ValidateGroupID rejects IDs that are empty, too long, a relative path
// element, or that contain path separators or control characters.
func ValidateGroupID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: group id is required", protocol.ErrInvalidRequest)
	case len(id) > maxGroupIDLength:
		return fmt.Errorf("%w: group id longer than %d bytes", protocol.ErrInvalidRequest, maxGroupIDLength)
	case id == "." || id == "..":
		return fmt.Errorf("%w: group id %q is reserved", protocol.ErrInvalidRequest, id)
	case strings.ContainsAny(id, "/\\"):
		return fmt.Errorf("%w: group id %q contains a path separator", protocol.ErrInvalidRequest, id)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: group id %q contains a control character", protocol.ErrInvalidRequest, id)
		}
	}
	return nil
}

// GroupState is the lifecycle state of a group.
type GroupState int

const (
	GroupEmpty GroupState = iota
	GroupRebalancing
	GroupStable
	GroupDead
)

func (s GroupState) String() string {
	switch s {
	case GroupEmpty:
		return "empty"
	case GroupRebalancing:
		return "rebalancing"
	case GroupStable:
		return "stable"
	case GroupDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Member is one consumer in a group.
type Member struct {
	ID         string
	ClientID   string
	Topic      string
	Assignment []protocol.TopicPartition
	JoinedAt   time.Time

	// deadline is when the session expires without a heartbeat.
	deadline time.Time

	// synced is true once the member has learned the current generation.
	synced bool
}

// Group is the state of one consumer group. Not safe for concurrent use;
// the Coordinator serializes access.
type Group struct {
	ID         string
	Generation int32
	State      GroupState
	Members    map[string]*Member
	CreatedAt  time.Time

	// LastRebalance records why the generation last changed.
	LastRebalance string
}

func newGroup(id string, now time.Time) *Group {
	return &Group{
		ID:        id,
		State:     GroupEmpty,
		Members:   make(map[string]*Member),
		CreatedAt: now,
	}
}

// memberIDs returns the sorted member IDs.
func (g *Group) memberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for id := range g.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// topics returns the sorted set of subscribed topics.
func (g *Group) topics() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range g.Members {
		if m.Topic != "" && !seen[m.Topic] {
			seen[m.Topic] = true
			out = append(out, m.Topic)
		}
	}
	sort.Strings(out)
	return out
}

// bump starts a new generation after a membership change. The member that
// caused it (if any) is synced; everyone else must rejoin.
func (g *Group) bump(reason, causedBy string) {
	g.Generation++
	g.LastRebalance = reason
	if len(g.Members) == 0 {
		g.State = GroupEmpty
		return
	}
	for id, m := range g.Members {
		m.synced = id == causedBy
	}
	g.updateState()
}

func (g *Group) updateState() {
	if len(g.Members) == 0 {
		g.State = GroupEmpty
		return
	}
	for _, m := range g.Members {
		if !m.synced {
			g.State = GroupRebalancing
			return
		}
	}
	g.State = GroupStable
}

// checkGeneration validates a member's view of the group.
func (g *Group) checkGeneration(memberID string, generation int32) error {
	if _, ok := g.Members[memberID]; !ok {
		return protocol.ErrUnknownMember
	}
	if generation == g.Generation {
		return nil
	}
	if generation < g.Generation && g.State == GroupRebalancing {
		return protocol.ErrGroupRebalanceInProgress
	}
	return protocol.ErrStaleGeneration
}

// removeMember drops a member. The caller rebalances the survivors.
func (g *Group) removeMember(memberID string) bool {
	if _, ok := g.Members[memberID]; !ok {
		return false
	}
	delete(g.Members, memberID)
	return true
}

// expired returns members whose session deadline has passed.
func (g *Group) expired(now time.Time) []string {
	var out []string
	for id, m := range g.Members {
		if now.After(m.deadline) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// GroupDescription is a read-only snapshot of a group.
type GroupDescription struct {
	GroupID       string              `json:"group_id"`
	State         string              `json:"state"`
	Generation    int32               `json:"generation"`
	LastRebalance string              `json:"last_rebalance,omitempty"`
	Members       []MemberDescription `json:"members"`
}

// MemberDescription is a read-only snapshot of a member.
type MemberDescription struct {
	MemberID   string                    `json:"member_id"`
	ClientID   string                    `json:"client_id,omitempty"`
	Topic      string                    `json:"topic"`
	Synced     bool                      `json:"synced"`
	Assignment []protocol.TopicPartition `json:"assignment"`
}

func (g *Group) describe() GroupDescription {
	desc := GroupDescription{
		GroupID:       g.ID,
		State:         g.State.String(),
		Generation:    g.Generation,
		LastRebalance: g.LastRebalance,
		Members:       make([]MemberDescription, 0, len(g.Members)),
	}
	for _, id := range g.memberIDs() {
		m := g.Members[id]
		desc.Members = append(desc.Members, MemberDescription{
			MemberID:   m.ID,
			ClientID:   m.ClientID,
			Topic:      m.Topic,
			Synced:     m.synced,
			Assignment: append([]protocol.TopicPartition(nil), m.Assignment...),
		})
	}
	return desc
}
