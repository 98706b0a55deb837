package syncengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentworkforce/chatvault/internal/chatvault"
)

func populated(ids ...string) chatvault.SyncState {
	st := chatvault.NewSyncState("global")
	st.LastSeenConversationIDs = ids
	st.LastSeenTotalMessages = 10 * len(ids)
	st.EverNonEmpty = true
	return st
}

func TestWipeDetectorDebounce(t *testing.T) {
	d := NewWipeDetector(WipeConfig{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	empty := Observation{History: 3}

	st, tr := d.Observe(populated("a", "b", "c"), empty, now)
	assert.Equal(t, chatvault.WipeSuspect, st.State)
	assert.Equal(t, 1, st.ConsecutiveLowTicks)
	assert.False(t, tr.EnteredWiped())
	assert.Equal(t, []string{"a", "b", "c"}, st.LastSeenConversationIDs)

	st, tr = d.Observe(st, empty, now.Add(time.Minute))
	assert.Equal(t, chatvault.WipeConfirmedWiped, st.State)
	assert.True(t, tr.EnteredWiped())
	assert.Equal(t, now.Add(time.Minute), st.StateChangedAt)

	st, tr = d.Observe(st, empty, now.Add(2*time.Minute))
	assert.Equal(t, chatvault.WipeConfirmedWiped, st.State)
	assert.False(t, tr.Changed())
}

func TestWipeDetectorThreshold(t *testing.T) {
	d := NewWipeDetector(WipeConfig{Threshold: 0.5})
	now := time.Now()
	prev := populated("a", "b", "c", "d")

	st, _ := d.Observe(prev, Observation{ConversationIDs: []string{"a", "b"}, History: 4}, now)
	assert.Equal(t, chatvault.WipeNormal, st.State)
	assert.Equal(t, []string{"a", "b"}, st.LastSeenConversationIDs)

	st, _ = d.Observe(prev, Observation{ConversationIDs: []string{"a"}, History: 4}, now)
	assert.Equal(t, chatvault.WipeSuspect, st.State)
}

func TestWipeDetectorNeedsHistory(t *testing.T) {
	d := NewWipeDetector(WipeConfig{MinHistory: 2})
	now := time.Now()

	st, _ := d.Observe(chatvault.NewSyncState("global"), Observation{}, now)
	assert.Equal(t, chatvault.WipeNormal, st.State)
	assert.False(t, st.EverNonEmpty)

	st, _ = d.Observe(populated("a"), Observation{History: 1}, now)
	assert.Equal(t, chatvault.WipeNormal, st.State)
	assert.Empty(t, st.LastSeenConversationIDs)
}

func TestWipeDetectorRecoversFromSuspect(t *testing.T) {
	d := NewWipeDetector(WipeConfig{DebounceTicks: 3})
	now := time.Now()
	st, _ := d.Observe(populated("a", "b"), Observation{History: 2}, now)
	st, _ = d.Observe(st, Observation{History: 2}, now)
	assert.Equal(t, chatvault.WipeSuspect, st.State)
	assert.Equal(t, 2, st.ConsecutiveLowTicks)

	st, tr := d.Observe(st, Observation{ConversationIDs: []string{"a", "b", "c"}, TotalMessages: 7, History: 3}, now)
	assert.Equal(t, chatvault.WipeNormal, st.State)
	assert.Equal(t, chatvault.WipeSuspect, tr.From)
	assert.Zero(t, st.ConsecutiveLowTicks)
	assert.Equal(t, 7, st.LastSeenTotalMessages)
}

func TestWipeDetectorFailuresDoNotMoveState(t *testing.T) {
	d := NewWipeDetector(WipeConfig{})
	now := time.Now()
	prev := populated("a")
	prev.State = chatvault.WipeSuspect

	corrupt := &chatvault.SourceError{Location: "global", Kind: chatvault.SourceCorrupt}
	st := d.Failed(prev, corrupt, now)
	assert.Equal(t, chatvault.WipeSuspect, st.State)
	assert.Equal(t, 1, st.CorruptCount)
	assert.Equal(t, now, st.LastErrorAt)

	st = d.Failed(st, &chatvault.SourceError{Location: "global", Kind: chatvault.SourceTimeout}, now)
	assert.Equal(t, 1, st.CorruptCount)
	assert.Contains(t, st.LastError, "timeout")
}

func TestWipeDetectorResetAndAcknowledge(t *testing.T) {
	d := NewWipeDetector(WipeConfig{})
	now := time.Now()

	st, tr := d.Reset(populated("a", "b"), now)
	assert.Equal(t, chatvault.WipeConfirmedWiped, st.State)
	assert.True(t, tr.EnteredWiped())

	st, tr = d.Acknowledge(st, Observation{ConversationIDs: []string{"z"}, TotalMessages: 1, History: 3}, now)
	assert.Equal(t, chatvault.WipeNormal, st.State)
	assert.Equal(t, chatvault.WipeConfirmedWiped, tr.From)
	assert.Equal(t, []string{"z"}, st.LastSeenConversationIDs)
}
