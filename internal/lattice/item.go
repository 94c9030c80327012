package lattice

import (
	"fmt"

	"github.com/bonesdb/bones/internal/types"
)

// ItemState is the full per-item lattice record of §3: LWW registers
// for the scalar fields, observed-remove sets for the multi-valued
// fields, the epoch-phase state lattice, the grow-only comment set,
// and the soft-delete flag. The zero value is a valid empty item.
type ItemState struct {
	ItemID string

	Title       LWW[string]
	Description LWW[string]
	Kind        LWW[string]
	Size        LWW[string]
	Urgency     LWW[string]
	Parent      LWW[string]
	// AssigneeAnchor is the LWW "primary assignee" register distinct
	// from the Assignees OR-set, which tracks the full assignee roster.
	AssigneeAnchor LWW[string]

	Labels     ORSet
	Assignees  ORSet
	BlockedBy  ORSet
	RelatedTo  ORSet

	State State

	Comments Comments

	Deleted LWW[bool]
}

// NewItemState returns an empty lattice state for itemID.
func NewItemState(itemID string) ItemState {
	return ItemState{
		ItemID:    itemID,
		Labels:    NewORSet(),
		Assignees: NewORSet(),
		BlockedBy: NewORSet(),
		RelatedTo: NewORSet(),
		Comments:  Comments{},
	}
}

// Join computes the lattice join of two states of the same item,
// field-wise. Each field's join is independently associative,
// commutative, and idempotent, so the product is too.
func Join(a, b ItemState) ItemState {
	out := NewItemState(a.ItemID)
	out.Title = JoinLWW(a.Title, b.Title)
	out.Description = JoinLWW(a.Description, b.Description)
	out.Kind = JoinLWW(a.Kind, b.Kind)
	out.Size = JoinLWW(a.Size, b.Size)
	out.Urgency = JoinLWW(a.Urgency, b.Urgency)
	out.Parent = JoinLWW(a.Parent, b.Parent)
	out.AssigneeAnchor = JoinLWW(a.AssigneeAnchor, b.AssigneeAnchor)
	out.Labels = JoinORSet(a.Labels, b.Labels)
	out.Assignees = JoinORSet(a.Assignees, b.Assignees)
	out.BlockedBy = JoinORSet(a.BlockedBy, b.BlockedBy)
	out.RelatedTo = JoinORSet(a.RelatedTo, b.RelatedTo)
	out.State = JoinState(a.State, b.State)
	out.Comments = JoinComments(a.Comments, b.Comments)
	out.Deleted = JoinLWW(a.Deleted, b.Deleted)
	return out
}

// Apply folds a single event into state, returning the updated state.
// Unknown event types and malformed data are deterministic no-ops per
// §4.7; the caller is expected to have already warned about those
// before calling Apply (see internal/replay).
func Apply(state ItemState, e types.Event) (ItemState, error) {
	ref, err := RefOf(e)
	if err != nil {
		return state, fmt.Errorf("lattice: decoding itc for event %s: %w", e.EventHash, err)
	}

	switch e.Type {
	case types.EventCreate:
		applyScalarUpdates(&state, ref, e.Data)
		state.State = JoinState(state.State, State{Epoch: 0, Phase: PhaseOpen, Ref: ref})

	case types.EventUpdate:
		applyScalarUpdates(&state, ref, e.Data)

	case types.EventMove, types.EventSystemGoalClose, types.EventSystemGoalReopen:
		epoch, phase, ok := decodeMove(e.Data, state.State)
		if ok {
			state.State = JoinState(state.State, State{Epoch: epoch, Phase: phase, Ref: ref})
		}

	case types.EventAssign:
		applyAssign(&state, ref, e.Data)

	case types.EventComment:
		body, _ := e.Data["body"].(string)
		state.Comments[e.EventHash] = Comment{Body: LWW[string]{Set: true, Ref: ref, Value: body}}

	case types.EventLink:
		applyLink(&state, ref, e.Data, true)

	case types.EventUnlink:
		applyLink(&state, ref, e.Data, false)

	case types.EventDelete:
		state.Deleted = state.Deleted.Observe(ref, true)

	case types.EventRedact:
		applyRedact(&state, ref, e.Data)

	case types.EventCompact, types.EventSnapshot:
		// Compaction/snapshot events carry no direct lattice mutation of
		// their own; they are structural markers consumed by
		// internal/integrity, not by replay.

	default:
		// Unknown type: deterministic no-op, per the codec's
		// forward-compatibility rule.
	}

	return state, nil
}

func applyScalarUpdates(state *ItemState, ref Ref, data map[string]any) {
	if v, ok := data["title"].(string); ok {
		state.Title = state.Title.Observe(ref, v)
	}
	if v, ok := data["description"].(string); ok {
		state.Description = state.Description.Observe(ref, v)
	}
	if v, ok := data["kind"].(string); ok {
		state.Kind = state.Kind.Observe(ref, v)
	}
	if v, ok := data["size"].(string); ok {
		state.Size = state.Size.Observe(ref, v)
	}
	if v, ok := data["urgency"].(string); ok {
		state.Urgency = state.Urgency.Observe(ref, v)
	}
	if v, ok := data["parent"].(string); ok {
		state.Parent = state.Parent.Observe(ref, v)
	}
	if labels, ok := data["labels"].([]any); ok {
		for _, l := range labels {
			if s, ok := l.(string); ok {
				state.Labels.Add(s, ref)
			}
		}
	}
}

// decodeMove extracts the target (epoch, phase) from an item.move
// payload. "phase" is required; "epoch" defaults to current.Epoch, or
// current.Epoch+1 when the payload sets "reopen": true, per §4.6's
// reopen rule.
func decodeMove(data map[string]any, current State) (int, Phase, bool) {
	phaseName, ok := data["phase"].(string)
	if !ok {
		return 0, 0, false
	}
	phase, ok := parsePhase(phaseName)
	if !ok {
		return 0, 0, false
	}

	epoch := current.Epoch
	if reopen, _ := data["reopen"].(bool); reopen {
		epoch++
		phase = PhaseOpen
	}
	if e, ok := data["epoch"].(float64); ok {
		epoch = int(e)
	}
	return epoch, phase, true
}

func parsePhase(name string) (Phase, bool) {
	switch name {
	case "open":
		return PhaseOpen, true
	case "doing":
		return PhaseDoing, true
	case "done":
		return PhaseDone, true
	case "archived":
		return PhaseArchived, true
	default:
		return 0, false
	}
}

func applyAssign(state *ItemState, ref Ref, data map[string]any) {
	if agent, ok := data["agent"].(string); ok {
		state.Assignees.Add(agent, ref)
		if primary, _ := data["primary"].(bool); primary {
			state.AssigneeAnchor = state.AssigneeAnchor.Observe(ref, agent)
		}
	}
	if agent, ok := data["unassign"].(string); ok {
		state.Assignees.Remove(agent, ref)
	}
}

func applyLink(state *ItemState, ref Ref, data map[string]any, add bool) {
	kind, _ := data["kind"].(string)
	target, ok := data["target"].(string)
	if !ok {
		return
	}
	var set ORSet
	switch kind {
	case "blocked_by":
		set = state.BlockedBy
	case "related_to":
		set = state.RelatedTo
	default:
		return
	}
	if add {
		set.Add(target, ref)
	} else {
		set.Remove(target, ref)
	}
}

func applyRedact(state *ItemState, ref Ref, data map[string]any) {
	target, ok := data["comment_hash"].(string)
	if !ok {
		return
	}
	replacement, _ := data["body"].(string)
	existing, ok := state.Comments[target]
	if !ok {
		return
	}
	state.Comments[target] = Comment{Body: existing.Body.Observe(ref, replacement)}
}
