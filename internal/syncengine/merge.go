// Package syncengine mirrors source snapshots into the canonical store,
// classifies wipes, restores sources and keeps the store within its limits.
package syncengine

import (
	"fmt"
	"time"

	"github.com/agentworkforce/chatvault/internal/chatvault"
)

type MergeAction string

const (
	ActionNew       MergeAction = "new"
	ActionAppended  MergeAction = "appended"
	ActionUnchanged MergeAction = "unchanged"
	ActionDiverged  MergeAction = "diverged"
	ActionReplaced  MergeAction = "replaced"
	ActionSkipped   MergeAction = "skipped"
)

// ConversationDiff describes how one incoming conversation relates to the
// stored copy.
type ConversationDiff struct {
	ID          string
	Action      MergeAction
	Appended    int
	StoredCount int
	SourceCount int
}

// MergeResult is the applied diff of one source snapshot.
type MergeResult struct {
	Location  string
	New       []string
	Appended  map[string]int
	Unchanged []string
	Diverged  []string
	Replaced  []string
	Skipped   []string
	Relinked  int
	Observed  Observation
}

func (r MergeResult) Changed() bool {
	return len(r.New) > 0 || len(r.Appended) > 0 || len(r.Replaced) > 0 || r.Relinked > 0
}

func (r MergeResult) AppendedMessages() int {
	total := 0
	for _, n := range r.Appended {
		total += n
	}
	return total
}

type MergeEngine struct {
	logger chatvault.Logger
	now    func() time.Time
}

func NewMergeEngine(logger chatvault.Logger, now func() time.Time) *MergeEngine {
	if now == nil {
		now = time.Now
	}
	return &MergeEngine{logger: chatvault.LoggerOrNop(logger), now: now}
}

// Diff compares a stored conversation with what the source currently shows.
// Stored history is never shortened: a shorter source is divergence, and a
// mutated prefix only wins when the source copy is longer.
func Diff(stored, incoming chatvault.Conversation) ConversationDiff {
	diff := ConversationDiff{ID: incoming.ID, StoredCount: len(stored.Messages), SourceCount: len(incoming.Messages)}
	common := min(diff.StoredCount, diff.SourceCount)
	prefixMatches := true
	for i := 0; i < common; i++ {
		if !sameMessage(stored.Messages[i], incoming.Messages[i]) {
			prefixMatches = false
			break
		}
	}
	switch {
	case prefixMatches && diff.SourceCount > diff.StoredCount:
		diff.Action = ActionAppended
		diff.Appended = diff.SourceCount - diff.StoredCount
	case prefixMatches && diff.SourceCount == diff.StoredCount:
		diff.Action = ActionUnchanged
	case prefixMatches:
		diff.Action = ActionDiverged
	case diff.SourceCount > diff.StoredCount:
		diff.Action = ActionReplaced
	default:
		diff.Action = ActionDiverged
	}
	return diff
}

func sameMessage(a, b chatvault.Message) bool {
	return a.ID == b.ID && a.Role == b.Role && a.Content == b.Content
}

// Apply merges snap into the store through tx. Conversations that did not
// change are not rewritten, so applying the same snapshot twice leaves the
// store untouched.
func (m *MergeEngine) Apply(tx chatvault.Tx, snap chatvault.Snapshot) (MergeResult, error) {
	location := snap.Location.ID
	result := MergeResult{Location: location, Appended: map[string]int{}}
	now := m.now().UTC()

	if snap.Workspace != nil && snap.Workspace.ID != "" {
		if err := tx.UpsertWorkspace(*snap.Workspace); err != nil {
			return result, fmt.Errorf("record workspace %s: %w", snap.Workspace.ID, err)
		}
	}
	for _, ws := range snap.Referenced {
		if err := tx.UpsertWorkspace(ws); err != nil {
			return result, fmt.Errorf("record workspace %s: %w", ws.ID, err)
		}
	}

	for _, incoming := range snap.Conversations {
		if incoming.ID == "" || len(incoming.Messages) == 0 {
			continue
		}
		stored, found, err := tx.Conversation(incoming.ID)
		if err != nil {
			return result, fmt.Errorf("load conversation %s: %w", incoming.ID, err)
		}
		if !found {
			added, err := m.insert(tx, incoming, now)
			if err != nil {
				return result, err
			}
			if !added {
				result.Skipped = append(result.Skipped, incoming.ID)
				continue
			}
			result.New = append(result.New, incoming.ID)
		} else {
			diff := Diff(stored, incoming)
			switch diff.Action {
			case ActionAppended:
				next := stored.Clone()
				base := stored.MaxSequence()
				for i, msg := range incoming.Messages[len(stored.Messages):] {
					msg.Sequence = base + int64(i) + 1
					next.Messages = append(next.Messages, msg)
				}
				mergeHeader(&next, incoming)
				next.UpdatedAt = now
				if _, err := tx.PutConversation(next); err != nil {
					return result, fmt.Errorf("append to conversation %s: %w", incoming.ID, err)
				}
				result.Appended[incoming.ID] = diff.Appended
			case ActionReplaced:
				next := incoming.Clone()
				next.Renumber()
				next.CreatedAt = stored.CreatedAt
				if next.WorkspaceID == "" {
					next.WorkspaceID = stored.WorkspaceID
				}
				next.UpdatedAt = now
				if _, err := tx.PutConversation(next); err != nil {
					return result, fmt.Errorf("replace conversation %s: %w", incoming.ID, err)
				}
				m.logger.Warn("conversation history mutated at source; longer copy kept",
					"location", location, "conversation", incoming.ID,
					"stored", diff.StoredCount, "source", diff.SourceCount)
				result.Replaced = append(result.Replaced, incoming.ID)
			case ActionDiverged:
				m.logger.Debug("source shows fewer messages than stored; keeping stored history",
					"location", location, "conversation", incoming.ID,
					"stored", diff.StoredCount, "source", diff.SourceCount)
				result.Diverged = append(result.Diverged, incoming.ID)
			default:
				result.Unchanged = append(result.Unchanged, incoming.ID)
			}
			if stored.WorkspaceID == "" && incoming.WorkspaceID != "" {
				changed, err := tx.SetConversationWorkspace(incoming.ID, incoming.WorkspaceID)
				if err != nil {
					return result, err
				}
				if changed {
					result.Relinked++
				}
			}
		}
		if err := tx.LinkSource(location, incoming.ID); err != nil {
			return result, fmt.Errorf("link %s to %s: %w", incoming.ID, location, err)
		}
	}

	if snap.Location.Kind == chatvault.LocationWorkspace && snap.Location.WorkspaceID != "" {
		for _, id := range snap.MemberIDs {
			stored, found, err := tx.Conversation(id)
			if err != nil {
				return result, err
			}
			if !found || stored.WorkspaceID != "" {
				continue
			}
			changed, err := tx.SetConversationWorkspace(id, snap.Location.WorkspaceID)
			if err != nil {
				return result, err
			}
			if changed {
				result.Relinked++
			}
		}
	}

	history, err := tx.SourceHistory(location)
	if err != nil {
		return result, err
	}
	result.Observed = Observe(snap, history)
	return result, nil
}

// insert stores a conversation seen for the first time. Conversations pruned
// earlier are only captured again when the source has grown past the pruned
// copy.
func (m *MergeEngine) insert(tx chatvault.Tx, incoming chatvault.Conversation, now time.Time) (bool, error) {
	tomb, pruned, err := tx.Tombstone(incoming.ID)
	if err != nil {
		return false, err
	}
	if pruned {
		if len(incoming.Messages) <= tomb.MessageCount {
			return false, nil
		}
		if err := tx.ClearTombstone(incoming.ID); err != nil {
			return false, err
		}
	}
	conv := incoming.Clone()
	conv.Renumber()
	conv.UpdatedAt = now
	if _, err := tx.PutConversation(conv); err != nil {
		return false, fmt.Errorf("store conversation %s: %w", incoming.ID, err)
	}
	return true, nil
}

func mergeHeader(dst *chatvault.Conversation, incoming chatvault.Conversation) {
	if incoming.ModelName != "" {
		dst.ModelName = incoming.ModelName
	}
	if incoming.Mode != "" {
		dst.Mode = incoming.Mode
	}
	if (dst.Title == "" || dst.Title == chatvault.EmptyTitle) && incoming.Title != "" {
		dst.Title = incoming.Title
	}
	if dst.WorkspaceID == "" {
		dst.WorkspaceID = incoming.WorkspaceID
	}
}
