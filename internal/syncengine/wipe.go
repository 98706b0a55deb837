package syncengine

import (
	"errors"
	"time"

	"github.com/agentworkforce/chatvault/internal/chatvault"
)

const (
	DefaultWipeThreshold = 0.5
	DefaultDebounceTicks = 2
	DefaultMinHistory    = 1
)

type WipeConfig struct {
	// Threshold is the fraction of the last seen conversation count below
	// which a tick counts as low.
	Threshold     float64
	DebounceTicks int
	MinHistory    int
}

func (c WipeConfig) withDefaults() WipeConfig {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultWipeThreshold
	}
	if c.DebounceTicks <= 0 {
		c.DebounceTicks = DefaultDebounceTicks
	}
	if c.MinHistory <= 0 {
		c.MinHistory = DefaultMinHistory
	}
	return c
}

// Observation is what one successful read of a location showed.
type Observation struct {
	ConversationIDs []string
	TotalMessages   int
	// History is the number of stored conversations ever captured from the
	// location.
	History int
}

func Observe(snap chatvault.Snapshot, history int) Observation {
	return Observation{
		ConversationIDs: snap.ConversationIDs(),
		TotalMessages:   snap.TotalMessages(),
		History:         history,
	}
}

type Transition struct {
	Location string
	From     chatvault.WipeState
	To       chatvault.WipeState
}

func (t Transition) Changed() bool {
	return t.From != t.To
}

// EnteredWiped reports a transition that should raise a restore request.
func (t Transition) EnteredWiped() bool {
	return t.To == chatvault.WipeConfirmedWiped && t.From != chatvault.WipeConfirmedWiped
}

// WipeDetector is a pure state machine over SyncState. Callers persist the
// returned state.
type WipeDetector struct {
	cfg WipeConfig
}

func NewWipeDetector(cfg WipeConfig) *WipeDetector {
	return &WipeDetector{cfg: cfg.withDefaults()}
}

func (d *WipeDetector) Config() WipeConfig {
	return d.cfg
}

func (d *WipeDetector) low(prev chatvault.SyncState, obs Observation) bool {
	baseline := len(prev.LastSeenConversationIDs)
	if baseline == 0 {
		return false
	}
	return float64(len(obs.ConversationIDs)) < d.cfg.Threshold*float64(baseline)
}

// Observe folds one successful read into the location's state.
func (d *WipeDetector) Observe(prev chatvault.SyncState, obs Observation, now time.Time) (chatvault.SyncState, Transition) {
	next := prev
	if next.State == "" {
		next.State = chatvault.WipeNormal
	}
	tr := Transition{Location: prev.Location, From: next.State}
	next.LastSyncAt = now
	next.LastError = ""
	low := d.low(prev, obs)

	switch next.State {
	case chatvault.WipeNormal:
		if low && prev.EverNonEmpty && obs.History >= d.cfg.MinHistory {
			next.State = chatvault.WipeSuspect
			next.ConsecutiveLowTicks = 1
			if next.ConsecutiveLowTicks >= d.cfg.DebounceTicks {
				next.State = chatvault.WipeConfirmedWiped
			}
		} else {
			d.rebase(&next, obs)
		}
	case chatvault.WipeSuspect:
		if low {
			next.ConsecutiveLowTicks++
			if next.ConsecutiveLowTicks >= d.cfg.DebounceTicks {
				next.State = chatvault.WipeConfirmedWiped
			}
		} else {
			next.State = chatvault.WipeNormal
			d.rebase(&next, obs)
		}
	case chatvault.WipeConfirmedWiped:
		// sticky until a restore or an explicit acknowledgement
		if low {
			next.ConsecutiveLowTicks++
		}
	}
	if next.State != tr.From {
		next.StateChangedAt = now
	}
	tr.To = next.State
	return next, tr
}

func (d *WipeDetector) rebase(next *chatvault.SyncState, obs Observation) {
	next.ConsecutiveLowTicks = 0
	next.LastSeenConversationIDs = append([]string(nil), obs.ConversationIDs...)
	next.LastSeenTotalMessages = obs.TotalMessages
	if len(obs.ConversationIDs) > 0 {
		next.EverNonEmpty = true
	}
}

// Failed records a read failure. Failures never move the state machine.
func (d *WipeDetector) Failed(prev chatvault.SyncState, err error, now time.Time) chatvault.SyncState {
	next := prev
	if next.State == "" {
		next.State = chatvault.WipeNormal
	}
	if err != nil {
		next.LastError = err.Error()
	}
	next.LastErrorAt = now
	if errors.Is(err, chatvault.ErrSourceCorrupt) {
		next.CorruptCount++
	}
	return next
}

// Reset forces ConfirmedWiped immediately, skipping debounce.
func (d *WipeDetector) Reset(prev chatvault.SyncState, now time.Time) (chatvault.SyncState, Transition) {
	next := prev
	if next.State == "" {
		next.State = chatvault.WipeNormal
	}
	tr := Transition{Location: prev.Location, From: next.State, To: chatvault.WipeConfirmedWiped}
	next.State = chatvault.WipeConfirmedWiped
	if tr.From != tr.To {
		next.StateChangedAt = now
	}
	return next, tr
}

// Acknowledge accepts the current source contents as the new baseline.
func (d *WipeDetector) Acknowledge(prev chatvault.SyncState, obs Observation, now time.Time) (chatvault.SyncState, Transition) {
	return d.settle(prev, obs, now)
}

// Restored resets the location to Normal with the restored snapshot as its
// baseline so the next tick does not detect a wipe again.
func (d *WipeDetector) Restored(prev chatvault.SyncState, obs Observation, now time.Time) (chatvault.SyncState, Transition) {
	next, tr := d.settle(prev, obs, now)
	next.LastSyncAt = now
	return next, tr
}

func (d *WipeDetector) settle(prev chatvault.SyncState, obs Observation, now time.Time) (chatvault.SyncState, Transition) {
	next := prev
	if next.State == "" {
		next.State = chatvault.WipeNormal
	}
	tr := Transition{Location: prev.Location, From: next.State, To: chatvault.WipeNormal}
	next.State = chatvault.WipeNormal
	d.rebase(&next, obs)
	if tr.From != tr.To {
		next.StateChangedAt = now
	}
	return next, tr
}
