package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/agentworkforce/chatvault/internal/chatvault"
)

type SourceStatus struct {
	Location            string              `json:"location"`
	State               chatvault.WipeState `json:"state"`
	Conversations       int                 `json:"conversations"`
	Messages            int                 `json:"messages"`
	LastSyncAt          time.Time           `json:"lastSyncAt"`
	StateChangedAt      time.Time           `json:"stateChangedAt"`
	ConsecutiveLowTicks int                 `json:"consecutiveLowTicks"`
	CorruptCount        int                 `json:"corruptCount"`
	LastError           string              `json:"lastError,omitempty"`
	LastErrorAt         time.Time           `json:"lastErrorAt"`
}

// Status is what `sync status` shows. It is assembled from the lock file and
// the store, so it needs no cooperation from the daemon process.
type Status struct {
	Running         bool                       `json:"running"`
	PID             int                        `json:"pid,omitempty"`
	StartedAt       time.Time                  `json:"startedAt"`
	LastTickAt      time.Time                  `json:"lastTickAt"`
	LastTickStatus  chatvault.TickStatus       `json:"lastTickStatus,omitempty"`
	LastTickReason  string                     `json:"lastTickReason,omitempty"`
	LastTickID      string                     `json:"lastTickId,omitempty"`
	Sources         []SourceStatus             `json:"sources"`
	Conversations   int                        `json:"conversations"`
	Messages        int                        `json:"messages"`
	TotalBytes      int64                      `json:"totalBytes"`
	PendingRestores int                        `json:"pendingRestores"`
	RestoreCapacity int                        `json:"restoreCapacity,omitempty"`
	Restores        []chatvault.RestoreRequest `json:"restores,omitempty"`
}

// Running reports whether a live process holds the instance lock, and its pid.
func Running(lockPath string) (bool, int, error) {
	held, err := lockHeld(lockPath)
	if err != nil || !held {
		return false, 0, err
	}
	pid, err := ReadLockPID(lockPath)
	if err != nil {
		return true, 0, nil
	}
	if pid > 0 && !processAlive(pid) {
		return false, pid, nil
	}
	return true, pid, nil
}

func ReadStatus(ctx context.Context, store chatvault.Store, lockPath string, queue chatvault.RestoreQueue) (Status, error) {
	var status Status
	running, pid, err := Running(lockPath)
	if err != nil {
		return status, fmt.Errorf("check instance lock: %w", err)
	}
	status.Running = running
	if running {
		status.PID = pid
	}

	hb, ok, err := store.Heartbeat(ctx)
	if err != nil {
		return status, err
	}
	if ok {
		if status.PID == 0 && running {
			status.PID = hb.PID
		}
		if running {
			status.StartedAt = hb.StartedAt
		}
		status.LastTickAt = hb.LastTickAt
		status.LastTickStatus = hb.LastTickStatus
		status.LastTickReason = hb.LastTickReason
		status.LastTickID = hb.LastTickID
	}

	states, err := store.SyncStates(ctx)
	if err != nil {
		return status, err
	}
	status.Sources = make([]SourceStatus, 0, len(states))
	for _, st := range states {
		status.Sources = append(status.Sources, SourceStatus{
			Location:            st.Location,
			State:               st.State,
			Conversations:       len(st.LastSeenConversationIDs),
			Messages:            st.LastSeenTotalMessages,
			LastSyncAt:          st.LastSyncAt,
			StateChangedAt:      st.StateChangedAt,
			ConsecutiveLowTicks: st.ConsecutiveLowTicks,
			CorruptCount:        st.CorruptCount,
			LastError:           st.LastError,
			LastErrorAt:         st.LastErrorAt,
		})
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		return status, err
	}
	status.Conversations = stats.Conversations
	status.Messages = stats.Messages
	status.TotalBytes = stats.TotalBytes
	if queue != nil {
		status.Restores = queue.SnapshotRequests()
		status.PendingRestores = len(status.Restores)
		status.RestoreCapacity = queue.Capacity()
	}
	return status, nil
}

// SignalStop asks the daemon holding lockPath to stop gracefully and returns
// its pid.
func SignalStop(lockPath string) (int, error) {
	running, pid, err := Running(lockPath)
	if err != nil {
		return 0, err
	}
	if !running || pid <= 0 {
		return 0, chatvault.ErrNotRunning
	}
	if err := signalStop(pid); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return pid, nil
}

// WaitStopped polls until the instance lock is free or ctx is done.
func WaitStopped(ctx context.Context, lockPath string, poll time.Duration) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		held, err := lockHeld(lockPath)
		if err != nil {
			return err
		}
		if !held {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
