// Package queue implements the transfer-queue coordinator's concurrency
// slot bookkeeping (C6, spec §4.6/EXPANSION §4.12): an in-memory,
// mutex-guarded lease table on the coordinator side, and a polling client
// on the agent side. Grounded in the pack's mutex-guarded-state pattern
// (Trustflow-Network-Labs-remote.network's NATDetector.resultMutex) rather
// than the teacher's persistence layer, per Design Note "replace global
// hash tables ... with an owner component that vends session handles" —
// admission state is transient by design and is not persisted.
package queue

import (
	"sync"
	"time"

	"github.com/relayforge/relayforge/internal/filetransfer/summary"
)

// State is a lease's admission state.
type State int

const (
	Pending State = iota
	GoAhead
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case GoAhead:
		return "GoAhead"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Direction is the transfer direction a slot is requested for.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Lease is one outstanding (or resolved) slot acquisition.
type Lease struct {
	ID                   string
	Direction            Direction
	JobID                string
	QueueUser            string
	Filename             string
	SandboxBytesEstimate int64
	KeepAlive            time.Duration
	State                State
	HoldCode             summary.HoldCode
	ExpiresAt            time.Time
}

// Ledger is the coordinator's slot table: one mutex-guarded map keyed by
// lease ID, never touched by more than one goroutine at a time.
type Ledger struct {
	mu        sync.Mutex
	leases    map[string]*Lease
	maxSlots  int
	nextID    func() string
	granted   map[Direction]int
	keepAlive time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDGenerator stores f on the Ledger. RequestSlot takes each lease ID
// from its caller, so the Ledger itself never calls f.
func WithIDGenerator(f func() string) Option {
	return func(l *Ledger) { l.nextID = f }
}

// WithKeepAlive sets the keep-alive interval the ledger will adjust
// requests to, when the caller's requested interval is longer.
func WithKeepAlive(d time.Duration) Option {
	return func(l *Ledger) { l.keepAlive = d }
}

// NewLedger returns a Ledger admitting at most maxSlots concurrent
// go-ahead leases per direction.
func NewLedger(maxSlots int, opts ...Option) *Ledger {
	l := &Ledger{
		leases:    make(map[string]*Lease),
		maxSlots:  maxSlots,
		granted:   make(map[Direction]int),
		keepAlive: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RequestSlot admits or queues a new lease, returning it with State set to
// GoAhead or Pending. The requested keep-alive is adjusted down to the
// ledger's own interval when the caller asked for a longer one, per
// spec §4.6 step 2.
func (l *Ledger) RequestSlot(id string, dir Direction, jobID, queueUser, filename string, sandboxBytes int64, requestedKeepAlive time.Duration) *Lease {
	l.mu.Lock()
	defer l.mu.Unlock()

	keepAlive := requestedKeepAlive
	if keepAlive <= 0 || keepAlive > l.keepAlive {
		keepAlive = l.keepAlive
	}

	lease := &Lease{
		ID:                   id,
		Direction:            dir,
		JobID:                jobID,
		QueueUser:            queueUser,
		Filename:             filename,
		SandboxBytesEstimate: sandboxBytes,
		KeepAlive:            keepAlive,
		ExpiresAt:            time.Now().Add(keepAlive * 2),
	}
	l.leases[id] = lease
	l.admit(lease)
	return lease
}

// admit grants a slot immediately if the direction has capacity;
// otherwise the lease stays Pending. Callers must hold l.mu.
func (l *Ledger) admit(lease *Lease) {
	if lease.State != Pending {
		return
	}
	if l.maxSlots <= 0 || l.granted[lease.Direction] < l.maxSlots {
		lease.State = GoAhead
		l.granted[lease.Direction]++
	}
}

// expireLocked frees id's lease if it is past its ExpiresAt. Callers must
// hold l.mu. A peer that crashes or drops its connection without ever
// calling Release or KeepAlive would otherwise hold its slot forever,
// permanently shrinking capacity (spec §5: "keep-alives refresh the
// deadline from both sides" only makes sense if a stale deadline is
// eventually acted on).
func (l *Ledger) expireLocked(id string, now time.Time) bool {
	lease, ok := l.leases[id]
	if !ok {
		return false
	}
	if now.Before(lease.ExpiresAt) {
		return false
	}
	if lease.State == GoAhead {
		l.granted[lease.Direction]--
	}
	delete(l.leases, id)
	return true
}

// Sweep frees every lease past its ExpiresAt without waiting for its
// holder to call KeepAlive or Lookup — the periodic half of expiry, run by
// the coordinator app on a ticker. Returns the number of leases it freed.
func (l *Ledger) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var freed int
	for id := range l.leases {
		if l.expireLocked(id, now) {
			freed++
		}
	}
	return freed
}

// KeepAlive refreshes a lease's expiry and re-attempts admission for
// leases still Pending, letting queued requests advance as slots free up.
// A lease that has already gone stale is expired instead of refreshed.
func (l *Ledger) KeepAlive(id string) (*Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.expireLocked(id, time.Now()) {
		return nil, false
	}
	lease, ok := l.leases[id]
	if !ok {
		return nil, false
	}
	lease.ExpiresAt = time.Now().Add(lease.KeepAlive * 2)
	l.admit(lease)
	return lease, true
}

// Fail marks a pending lease as failed with a hold code, freeing no slot
// (a failed lease never held one).
func (l *Ledger) Fail(id string, code summary.HoldCode) (*Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease, ok := l.leases[id]
	if !ok {
		return nil, false
	}
	lease.State = Failed
	lease.HoldCode = code
	return lease, true
}

// Release frees id's slot, if any, and removes the lease. Idempotent: a
// second Release for the same (or unknown) ID is a no-op, matching spec
// §4.6's "releasing the slot is idempotent" requirement.
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease, ok := l.leases[id]
	if !ok {
		return
	}
	if lease.State == GoAhead {
		l.granted[lease.Direction]--
	}
	delete(l.leases, id)
}

// Lookup returns the current state of a lease without mutating it. A lease
// past its ExpiresAt is expired first, so a caller never observes a stale
// slot as still held.
func (l *Ledger) Lookup(id string) (Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expireLocked(id, time.Now()) {
		return Lease{}, false
	}
	lease, ok := l.leases[id]
	if !ok {
		return Lease{}, false
	}
	return *lease, true
}
