package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/relayforge/internal/filetransfer/summary"
)

func TestRequestSlot_GrantsUnderCapacity(t *testing.T) {
	l := NewLedger(2)
	lease := l.RequestSlot("l1", DirectionUpload, "1.0", "alice", "a.txt", 1024, time.Minute)
	require.Equal(t, GoAhead, lease.State)
}

func TestRequestSlot_QueuesOverCapacity(t *testing.T) {
	l := NewLedger(1)
	first := l.RequestSlot("l1", DirectionUpload, "1.0", "alice", "a.txt", 1024, time.Minute)
	second := l.RequestSlot("l2", DirectionUpload, "1.1", "bob", "b.txt", 1024, time.Minute)
	require.Equal(t, GoAhead, first.State)
	require.Equal(t, Pending, second.State)
}

func TestKeepAlive_PromotesPendingWhenSlotFrees(t *testing.T) {
	l := NewLedger(1)
	l.RequestSlot("l1", DirectionUpload, "1.0", "alice", "a.txt", 1024, time.Minute)
	second := l.RequestSlot("l2", DirectionUpload, "1.1", "bob", "b.txt", 1024, time.Minute)
	require.Equal(t, Pending, second.State)

	l.Release("l1")

	promoted, ok := l.KeepAlive("l2")
	require.True(t, ok)
	require.Equal(t, GoAhead, promoted.State)
}

func TestKeepAlive_AdjustsExpiry(t *testing.T) {
	l := NewLedger(1)
	l.RequestSlot("l1", DirectionUpload, "1.0", "alice", "a.txt", 1024, time.Minute)
	before, _ := l.Lookup("l1")

	time.Sleep(time.Millisecond)
	_, ok := l.KeepAlive("l1")
	require.True(t, ok)
	after, _ := l.Lookup("l1")
	require.True(t, after.ExpiresAt.After(before.ExpiresAt))
}

func TestKeepAlive_UnknownLeaseFails(t *testing.T) {
	l := NewLedger(1)
	_, ok := l.KeepAlive("nonexistent")
	require.False(t, ok)
}

func TestRelease_IsIdempotent(t *testing.T) {
	l := NewLedger(1)
	l.RequestSlot("l1", DirectionUpload, "1.0", "alice", "a.txt", 1024, time.Minute)
	l.Release("l1")
	require.NotPanics(t, func() { l.Release("l1") })

	_, ok := l.Lookup("l1")
	require.False(t, ok)
}

func TestRequestSlot_AdjustsOverlongKeepAlive(t *testing.T) {
	l := NewLedger(1, WithKeepAlive(10*time.Second))
	lease := l.RequestSlot("l1", DirectionUpload, "1.0", "alice", "a.txt", 1024, time.Hour)
	require.Equal(t, 10*time.Second, lease.KeepAlive)
}

func TestFail_SetsHoldCodeWithoutFreeingSlot(t *testing.T) {
	l := NewLedger(1)
	l.RequestSlot("l1", DirectionUpload, "1.0", "alice", "a.txt", 1024, time.Minute)
	failed, ok := l.Fail("l1", summary.QueueError)
	require.True(t, ok)
	require.Equal(t, Failed, failed.State)
	require.Equal(t, summary.QueueError, failed.HoldCode)
}

func TestSweep_FreesExpiredGoAheadLease(t *testing.T) {
	l := NewLedger(1)
	l.RequestSlot("l1", DirectionUpload, "1.0", "alice", "a.txt", 1024, time.Minute)

	freed := l.Sweep(time.Now().Add(10 * time.Minute))
	require.Equal(t, 1, freed)

	_, ok := l.Lookup("l1")
	require.False(t, ok)

	second := l.RequestSlot("l2", DirectionUpload, "1.1", "bob", "b.txt", 1024, time.Minute)
	require.Equal(t, GoAhead, second.State)
}

func TestSweep_LeavesLiveLeasesAlone(t *testing.T) {
	l := NewLedger(1)
	l.RequestSlot("l1", DirectionUpload, "1.0", "alice", "a.txt", 1024, time.Minute)

	freed := l.Sweep(time.Now())
	require.Equal(t, 0, freed)

	_, ok := l.Lookup("l1")
	require.True(t, ok)
}

func TestKeepAlive_ExpiredLeaseFailsInsteadOfRefreshing(t *testing.T) {
	l := NewLedger(1)
	l.RequestSlot("l1", DirectionUpload, "1.0", "alice", "a.txt", 1024, time.Minute)

	l.mu.Lock()
	l.leases["l1"].ExpiresAt = time.Now().Add(-time.Second)
	l.mu.Unlock()

	_, ok := l.KeepAlive("l1")
	require.False(t, ok)

	second := l.RequestSlot("l2", DirectionUpload, "1.1", "bob", "b.txt", 1024, time.Minute)
	require.Equal(t, GoAhead, second.State)
}

func TestDirectionsHaveIndependentCapacity(t *testing.T) {
	l := NewLedger(1)
	up := l.RequestSlot("l1", DirectionUpload, "1.0", "alice", "a.txt", 1024, time.Minute)
	down := l.RequestSlot("l2", DirectionDownload, "1.1", "bob", "b.txt", 1024, time.Minute)
	require.Equal(t, GoAhead, up.State)
	require.Equal(t, GoAhead, down.State)
}
