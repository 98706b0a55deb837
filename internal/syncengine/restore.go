package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/chatvault/internal/chatvault"
	"github.com/agentworkforce/chatvault/internal/source"
)

// SnapshotReader reads one source location.
type SnapshotReader interface {
	Read(ctx context.Context, loc chatvault.SourceLocation) (chatvault.Snapshot, error)
}

// SessionOpener opens a location for restore writes.
type SessionOpener interface {
	Open(ctx context.Context, loc chatvault.SourceLocation) (WriteSession, error)
}

type WriteSession interface {
	WriteConversation(ctx context.Context, conv chatvault.Conversation) error
	MergeMembers(ctx context.Context, convs []chatvault.Conversation) error
	Close() error
}

type sourceWriter struct {
	w *source.Writer
}

// NewSourceWriter adapts a source.Writer to SessionOpener.
func NewSourceWriter(w *source.Writer) SessionOpener {
	return sourceWriter{w: w}
}

func (s sourceWriter) Open(ctx context.Context, loc chatvault.SourceLocation) (WriteSession, error) {
	session, err := s.w.Open(ctx, loc)
	if err != nil {
		return nil, err
	}
	return session, nil
}

type RestoreOptions struct {
	Location chatvault.SourceLocation
	Selector chatvault.Selector
	Force    bool
}

type RestoreReport struct {
	Location  string            `json:"location"`
	Selector  string            `json:"selector"`
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
	Messages  int               `json:"messages"`
	Existing  int               `json:"existing"`
	Outcome   chatvault.Outcome `json:"outcome"`
}

type RestoreEngine struct {
	store    chatvault.Store
	reader   SnapshotReader
	writer   SessionOpener
	detector *WipeDetector
	logger   chatvault.Logger
	now      func() time.Time
}

func NewRestoreEngine(store chatvault.Store, reader SnapshotReader, writer SessionOpener, detector *WipeDetector, logger chatvault.Logger, now func() time.Time) *RestoreEngine {
	if now == nil {
		now = time.Now
	}
	if detector == nil {
		detector = NewWipeDetector(WipeConfig{})
	}
	return &RestoreEngine{
		store:    store,
		reader:   reader,
		writer:   writer,
		detector: detector,
		logger:   chatvault.LoggerOrNop(logger),
		now:      now,
	}
}

// Restore writes the selected conversations back into a source location.
// Writes are keyed like the IDE's own rows, so repeating a restore yields the
// same rows. Conversations written before a failure stay written.
func (r *RestoreEngine) Restore(ctx context.Context, opts RestoreOptions) (RestoreReport, error) {
	loc := opts.Location
	report := RestoreReport{Location: loc.ID, Selector: opts.Selector.String(), Outcome: chatvault.OutcomeFailed}
	if loc.ID == "" || loc.Path == "" {
		return report, fmt.Errorf("%w: restore location is required", chatvault.ErrInvalidInput)
	}
	if err := opts.Selector.Validate(); err != nil {
		return report, fmt.Errorf("restore selector %q: %w", opts.Selector.String(), err)
	}

	existing, err := r.existingConversations(ctx, loc)
	if err != nil && !opts.Force {
		return report, err
	}
	report.Existing = existing
	if existing > 0 && !opts.Force {
		return report, fmt.Errorf("%w: %s holds %d conversations (use force to overwrite)", chatvault.ErrRestorePreconditionFailed, loc.ID, existing)
	}

	convs, err := r.selectConversations(ctx, loc, opts.Selector)
	if err != nil {
		return report, err
	}
	if len(convs) == 0 {
		report.Outcome = chatvault.OutcomeNoop
		return report, nil
	}

	session, err := r.writer.Open(ctx, loc)
	if err != nil {
		return report, fmt.Errorf("open %s for restore: %w", loc.ID, err)
	}
	defer session.Close()

	failed := map[string]error{}
	written := make([]chatvault.Conversation, 0, len(convs))
	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			failed[conv.ID] = err
			continue
		}
		if err := session.WriteConversation(ctx, conv); err != nil {
			r.logger.Warn("restore write failed", "location", loc.ID, "conversation", conv.ID, "err", err)
			failed[conv.ID] = err
			continue
		}
		written = append(written, conv)
		report.Succeeded = append(report.Succeeded, conv.ID)
		report.Messages += len(conv.Messages)
	}
	if loc.Kind == chatvault.LocationWorkspace && len(written) > 0 {
		if err := session.MergeMembers(ctx, written); err != nil {
			r.logger.Warn("workspace membership not updated", "location", loc.ID, "err", err)
		}
	}
	if len(failed) > 0 {
		report.Failed = make(map[string]string, len(failed))
		for id, err := range failed {
			report.Failed[id] = err.Error()
		}
	}
	if len(written) > 0 {
		if err := r.settle(ctx, loc, opts.Selector, written); err != nil {
			r.logger.Warn("restore bookkeeping failed", "location", loc.ID, "err", err)
		}
	}

	switch {
	case len(failed) == 0:
		report.Outcome = chatvault.OutcomeOK
		r.logger.Info("restore complete", "location", loc.ID, "selector", report.Selector,
			"conversations", len(report.Succeeded), "messages", report.Messages)
		return report, nil
	case len(written) > 0:
		report.Outcome = chatvault.OutcomePartial
	default:
		report.Outcome = chatvault.OutcomeFailed
	}
	return report, &chatvault.RestorePartialError{Succeeded: report.Succeeded, Failed: failed}
}

// existingConversations counts what the target already shows. A target that
// does not exist yet counts as empty.
func (r *RestoreEngine) existingConversations(ctx context.Context, loc chatvault.SourceLocation) (int, error) {
	snap, err := r.reader.Read(ctx, loc)
	if err != nil {
		var sourceErr *chatvault.SourceError
		if errors.As(err, &sourceErr) && sourceErr.Kind == chatvault.SourceMissing {
			return 0, nil
		}
		return 0, fmt.Errorf("check restore target %s: %w", loc.ID, err)
	}
	return len(snap.Conversations), nil
}

func (r *RestoreEngine) selectConversations(ctx context.Context, loc chatvault.SourceLocation, sel chatvault.Selector) ([]chatvault.Conversation, error) {
	switch sel.Kind {
	case chatvault.SelectConversation:
		id, err := r.store.ResolveConversationID(ctx, sel.ConversationID)
		if err != nil {
			return nil, err
		}
		conv, err := r.store.Conversation(ctx, id)
		if err != nil {
			return nil, err
		}
		return []chatvault.Conversation{conv}, nil
	case chatvault.SelectWorkspace:
		return r.store.Conversations(ctx, chatvault.ConversationFilter{WorkspaceID: sel.WorkspaceID})
	default:
		if loc.Kind == chatvault.LocationWorkspace && loc.WorkspaceID != "" {
			return r.store.Conversations(ctx, chatvault.ConversationFilter{WorkspaceID: loc.WorkspaceID})
		}
		return r.store.Conversations(ctx, chatvault.ConversationFilter{})
	}
}

// settle links the written conversations to the location. A full restore also
// rebases the location's wipe state on what the source now shows.
func (r *RestoreEngine) settle(ctx context.Context, loc chatvault.SourceLocation, sel chatvault.Selector, written []chatvault.Conversation) error {
	var (
		snap    chatvault.Snapshot
		readErr error
	)
	full := sel.Kind == chatvault.SelectAll
	if full {
		snap, readErr = r.reader.Read(ctx, loc)
	}
	now := r.now().UTC()
	return r.store.Update(ctx, func(tx chatvault.Tx) error {
		for _, conv := range written {
			if err := tx.LinkSource(loc.ID, conv.ID); err != nil {
				return err
			}
		}
		if !full {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("re-read %s after restore: %w", loc.ID, readErr)
		}
		prev, _, err := tx.SyncState(loc.ID)
		if err != nil {
			return err
		}
		history, err := tx.SourceHistory(loc.ID)
		if err != nil {
			return err
		}
		next, tr := r.detector.Restored(prev, Observe(snap, history), now)
		if tr.Changed() {
			r.logger.Info("source state changed", "location", loc.ID, "from", tr.From, "to", tr.To, "reason", "restore")
		}
		return tx.PutSyncState(next)
	})
}
