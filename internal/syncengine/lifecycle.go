package syncengine

import (
	"context"
	"time"

	"github.com/agentworkforce/chatvault/internal/chatvault"
)

const (
	DefaultRecencyFloor = 24 * time.Hour

	ReasonRetention = "retention"
	ReasonQuota     = "quota"
)

type LifecycleOptions struct {
	RecencyFloor time.Duration
	Compression  bool
	Logger       chatvault.Logger
	Now          func() time.Time
}

type LifecycleManager struct {
	store        chatvault.Store
	recencyFloor time.Duration
	compression  bool
	logger       chatvault.Logger
	now          func() time.Time
}

func NewLifecycleManager(store chatvault.Store, opts LifecycleOptions) *LifecycleManager {
	floor := opts.RecencyFloor
	if floor <= 0 {
		floor = DefaultRecencyFloor
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &LifecycleManager{
		store:        store,
		recencyFloor: floor,
		compression:  opts.Compression,
		logger:       chatvault.LoggerOrNop(opts.Logger),
		now:          now,
	}
}

type EnforceReport struct {
	Recompressed    int               `json:"recompressed"`
	RetentionPruned []string          `json:"retentionPruned"`
	QuotaEvicted    []string          `json:"quotaEvicted"`
	FreedBytes      int64             `json:"freedBytes"`
	TotalBytes      int64             `json:"totalBytes"`
	QuotaBytes      int64             `json:"quotaBytes"`
	RetentionDays   int               `json:"retentionDays"`
	Protected       int               `json:"protected"`
	Outcome         chatvault.Outcome `json:"outcome"`
}

// Enforce compacts, prunes by retention and evicts by quota in one
// transaction. A zero quota or retention disables that step. When recent or
// protected conversations alone exceed the quota the pass still commits and a
// QuotaExceededError is returned with the report.
func (l *LifecycleManager) Enforce(ctx context.Context, quotaBytes int64, retentionDays int) (EnforceReport, error) {
	report := EnforceReport{QuotaBytes: quotaBytes, RetentionDays: retentionDays, Outcome: chatvault.OutcomeNoop}
	now := l.now().UTC()
	var exceeded *chatvault.QuotaExceededError

	err := l.store.Update(ctx, func(tx chatvault.Tx) error {
		report = EnforceReport{QuotaBytes: quotaBytes, RetentionDays: retentionDays, Outcome: chatvault.OutcomeNoop}
		exceeded = nil

		items, err := tx.Inventory()
		if err != nil {
			return err
		}
		states, err := tx.SyncStates()
		if err != nil {
			return err
		}

		if l.compression {
			for i := range items {
				if items[i].Compressed {
					continue
				}
				size, err := tx.Recompress(items[i].ConversationID, true)
				if err != nil {
					return err
				}
				if size != items[i].ByteSize {
					report.FreedBytes += items[i].ByteSize - size
				}
				items[i].ByteSize = size
				items[i].Compressed = true
				report.Recompressed++
			}
		}

		guard := newEvidenceGuard(items, states)
		var total int64
		for _, item := range items {
			total += item.ByteSize
		}

		remove := func(item chatvault.InventoryItem, reason string) error {
			if err := tx.DeleteConversation(item.ConversationID, reason); err != nil {
				return err
			}
			guard.release(item)
			total -= item.ByteSize
			report.FreedBytes += item.ByteSize
			return nil
		}

		kept := items[:0:0]
		if retentionDays > 0 {
			cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
			surviving := survivingCopies(states)
			for _, item := range items {
				if item.UpdatedAt.Before(cutoff) && surviving[item.ConversationID] && !guard.protects(item) {
					if err := remove(item, ReasonRetention); err != nil {
						return err
					}
					report.RetentionPruned = append(report.RetentionPruned, item.ConversationID)
					continue
				}
				kept = append(kept, item)
			}
		} else {
			kept = append(kept, items...)
		}

		if quotaBytes > 0 && total > quotaBytes {
			floor := now.Add(-l.recencyFloor)
			protected := 0
			for _, item := range kept {
				if total <= quotaBytes {
					break
				}
				if item.UpdatedAt.After(floor) || guard.protects(item) {
					protected++
					continue
				}
				if err := remove(item, ReasonQuota); err != nil {
					return err
				}
				report.QuotaEvicted = append(report.QuotaEvicted, item.ConversationID)
			}
			report.Protected = protected
			if total > quotaBytes {
				exceeded = &chatvault.QuotaExceededError{TotalBytes: total, QuotaBytes: quotaBytes, Protected: protected}
			}
		}
		report.TotalBytes = total
		return nil
	})
	if err != nil {
		report.Outcome = chatvault.OutcomeFailed
		return report, err
	}

	if report.Recompressed > 0 || len(report.RetentionPruned) > 0 || len(report.QuotaEvicted) > 0 {
		report.Outcome = chatvault.OutcomeOK
		l.logger.Info("storage lifecycle applied",
			"recompressed", report.Recompressed,
			"retention_pruned", len(report.RetentionPruned),
			"quota_evicted", len(report.QuotaEvicted),
			"freed_bytes", report.FreedBytes,
			"total_bytes", report.TotalBytes)
	}
	if exceeded != nil {
		report.Outcome = chatvault.OutcomePartial
		l.logger.Warn("storage quota still exceeded", "total_bytes", exceeded.TotalBytes, "quota_bytes", exceeded.QuotaBytes, "protected", exceeded.Protected)
		return report, exceeded
	}
	return report, nil
}

// survivingCopies returns conversations a healthy source still shows, which
// can be captured again if pruned here.
func survivingCopies(states []chatvault.SyncState) map[string]bool {
	out := map[string]bool{}
	for _, st := range states {
		if st.State != chatvault.WipeNormal {
			continue
		}
		for _, id := range st.LastSeenConversationIDs {
			out[id] = true
		}
	}
	return out
}

// evidenceGuard keeps at least one stored conversation for every location
// that has ever been seen with data, so wipe detection keeps its history.
type evidenceGuard struct {
	everNonEmpty map[string]bool
	remaining    map[string]int
}

func newEvidenceGuard(items []chatvault.InventoryItem, states []chatvault.SyncState) *evidenceGuard {
	g := &evidenceGuard{everNonEmpty: map[string]bool{}, remaining: map[string]int{}}
	for _, st := range states {
		if st.EverNonEmpty {
			g.everNonEmpty[st.Location] = true
		}
	}
	for _, item := range items {
		for _, loc := range item.Locations {
			g.remaining[loc]++
		}
	}
	return g
}

func (g *evidenceGuard) protects(item chatvault.InventoryItem) bool {
	for _, loc := range item.Locations {
		if g.everNonEmpty[loc] && g.remaining[loc] <= 1 {
			return true
		}
	}
	return false
}

func (g *evidenceGuard) release(item chatvault.InventoryItem) {
	for _, loc := range item.Locations {
		g.remaining[loc]--
	}
}
