// Package session implements the file-transfer engine's concurrency and
// resource-ownership model (spec §5): a single coordinator task ("Host")
// owns the table of active sessions, launches one goroutine per session,
// and funnels every mutation of that table through its own request
// channel so no lock is needed. It also owns the process-wide transfer-key
// table and dispatches the higher-layer UPLOAD/DOWNLOAD control-listener
// commands (spec §6) to the session each key names.
//
// Grounded in the teacher's internal/server/app.go (App/signal-handling/
// wait-group shape): where App runs exactly one long-lived gRPC-server
// goroutine under a WaitGroup, Host runs exactly one actor goroutine that
// owns its map, plus one further goroutine per accepted session.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/relayforge/relayforge/internal/filetransfer/download"
	"github.com/relayforge/relayforge/internal/filetransfer/job"
	"github.com/relayforge/relayforge/internal/filetransfer/plugin"
	"github.com/relayforge/relayforge/internal/filetransfer/queue"
	"github.com/relayforge/relayforge/internal/filetransfer/reuse"
	"github.com/relayforge/relayforge/internal/filetransfer/summary"
	"github.com/relayforge/relayforge/internal/filetransfer/upload"
	"github.com/relayforge/relayforge/internal/filetransfer/wire"
	"github.com/relayforge/relayforge/internal/logging"
)

// SessionKey is the cryptographically random token spec §5/§6 calls a
// "transfer key": minted once per session by Register, handed to the peer
// out of band, and echoed back over the control connection so Accept can
// find the matching pending Session.
type SessionKey string

// Role selects which half of the CEDAR protocol this host runs for a
// session.
type Role int

const (
	// RoleDownloader means this host receives files.
	RoleDownloader Role = iota
	// RoleUploader means this host sends files.
	RoleUploader
)

// Command is the higher-layer control-listener command read once per
// connection before the per-session command loop (spec §5: "the engine
// owns two command codes at the higher layer").
type Command wire.Code

const (
	// CommandUpload means the connecting peer is uploading to us.
	CommandUpload Command = Command(wire.CodeUpload)
	// CommandDownload means the connecting peer wants to download from us.
	CommandDownload Command = Command(wire.CodeDownload)
)

// Role reports which role a host plays on receiving cmd.
func (cmd Command) Role() (Role, error) {
	switch cmd {
	case CommandUpload:
		return RoleDownloader, nil
	case CommandDownload:
		return RoleUploader, nil
	default:
		return 0, fmt.Errorf("session: unknown control command %d", cmd)
	}
}

// ErrUnknownSessionKey is returned by Accept when no pending session was
// registered under the presented key.
var ErrUnknownSessionKey = errors.New("session: unknown session key")

// ErrRoleMismatch is returned by Accept when the connecting command
// disagrees with the role the session was registered for.
var ErrRoleMismatch = errors.New("session: control command does not match registered role")

// ErrDuplicateSessionKey is the panic value the process-wide transfer-key
// table raises on a colliding insert (spec §5: "collisions are treated as
// a fatal programming error").
var ErrDuplicateSessionKey = errors.New("session: duplicate transfer key")

// RegisterOptions carries everything Register needs to build a Session
// besides the job and role.
type RegisterOptions struct {
	// UploadOptions configures the Uploader half if Role is RoleUploader.
	UploadOptions upload.Options
	// DownloadOptions configures the Downloader half if Role is RoleDownloader.
	DownloadOptions download.Options

	// QueueClient, if set, is used to acquire and later release a
	// transfer-queue slot around the session (C6).
	QueueClient *queue.Client
	QueueDirection queue.Direction
	QueueUserExpr  string

	// ReuseCache and ReuseReserveBytes, if set, reserve cache space up
	// front so an aborted or completed session always has a reservation
	// ID to release (spec §4.5's "no reservation implies no ingestion").
	ReuseCache        reuse.Cache
	ReuseReserveBytes int64
	ReuseTTLSeconds   int64
	ReuseTag          string
}

// Session is one active or pending transfer session.
type Session struct {
	key  SessionKey
	job  *job.Job
	role Role
	opts RegisterOptions

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       wire.Duplex
	leaseID    string
	reservation string
	aborted    bool
	done       bool
}

// Key returns the session's transfer key.
func (s *Session) Key() SessionKey { return s.key }

// Job returns the job the session was registered for.
func (s *Session) Job() *job.Job { return s.job }

// Events returns the channel of Progress/Final events for this session.
// It is closed once the session's Final event has been sent, so callers
// may safely range over it.
func (s *Session) Events() <-chan Event { return s.events }

// Host is the single coordinator task: it owns the session table and the
// process-wide transfer-key table, and dispatches control-listener
// connections to the session each key names.
type Host struct {
	logger  logging.Logger
	plugins *plugin.Registry

	requests chan func()

	keys sync.Map // SessionKey -> struct{}, panics on duplicate insert

	sessions map[SessionKey]*Session
}

// NewHost returns a Host with an empty session table. Callers must invoke
// Run in its own goroutine before calling Register or Accept.
func NewHost(logger logging.Logger, plugins *plugin.Registry) *Host {
	return &Host{
		logger:   logger.With("module", "session_host"),
		plugins:  plugins,
		requests: make(chan func()),
		sessions: map[SessionKey]*Session{},
	}
}

// Run is the actor loop: every mutation of h.sessions happens here, so the
// map is never touched by more than one goroutine at a time (spec §5).
// Run blocks until ctx is cancelled.
func (h *Host) Run(ctx context.Context) {
	h.logger.Info(ctx, "starting session host")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info(ctx, "stopping session host")
			return
		case req := <-h.requests:
			req()
		}
	}
}

// do runs fn on the actor goroutine and waits for it to complete.
func (h *Host) do(fn func()) {
	done := make(chan struct{})
	h.requests <- func() {
		fn()
		close(done)
	}
	<-done
}

func newSessionKey() (SessionKey, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return SessionKey(hex.EncodeToString(buf)), nil
}

// registerKey inserts key into the process-wide transfer-key table,
// panicking on a duplicate per spec §5 ("collisions are treated as a fatal
// programming error") — this table is deliberately separate from h.sessions
// so plugin subprocess PIDs (Design Note "replace ... transfer-key →
// session, pid → session ... hash tables") could share the same collision
// discipline if the engine ever tracks them here too.
func (h *Host) registerKey(key SessionKey) {
	if _, loaded := h.keys.LoadOrStore(key, struct{}{}); loaded {
		panic(fmt.Errorf("%w: %s", ErrDuplicateSessionKey, key))
	}
}

func (h *Host) releaseKey(key SessionKey) {
	h.keys.Delete(key)
}

// Register creates a pending Session for j under role, mints a fresh
// transfer key, and — if a queue client or reuse cache is configured —
// acquires the transfer-queue slot and reuse reservation before returning,
// so a session that Accept later dispatches never has to acquire resources
// on the hot path. The returned key must be delivered to the peer out of
// band; Accept dispatches the connection that later presents it.
func (h *Host) Register(ctx context.Context, j *job.Job, role Role, opts RegisterOptions) (SessionKey, error) {
	key, err := newSessionKey()
	if err != nil {
		return "", err
	}
	h.registerKey(key)

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		key:    key,
		job:    j,
		role:   role,
		opts:   opts,
		events: make(chan Event, 8),
		ctx:    sessionCtx,
		cancel: cancel,
	}

	if opts.QueueClient != nil {
		slot, err := opts.QueueClient.RequestSlot(ctx, opts.QueueDirection, j.Key(), opts.QueueUserExpr, "", 0, 0)
		if err != nil {
			cancel()
			h.releaseKey(key)
			return "", err
		}
		slot, err = opts.QueueClient.AwaitGoAhead(ctx, slot)
		if err != nil {
			cancel()
			h.releaseKey(key)
			return "", err
		}
		if slot.Failed {
			cancel()
			h.releaseKey(key)
			return "", fmt.Errorf("session: queue admission failed: %s", slot.HoldReason)
		}
		s.leaseID = slot.LeaseID
	}

	if opts.ReuseCache != nil && opts.ReuseReserveBytes > 0 {
		resID, err := opts.ReuseCache.ReserveSpace(ctx, opts.ReuseReserveBytes, opts.ReuseTTLSeconds, opts.ReuseTag)
		if err != nil {
			h.releaseSlot(context.Background(), s)
			cancel()
			h.releaseKey(key)
			return "", err
		}
		s.reservation = resID
	}

	h.do(func() {
		h.sessions[key] = s
	})

	return key, nil
}

// Accept dispatches an accepted control-listener connection: cmd and key
// are whatever the caller already read off conn per spec §6 ("the peer
// sends a session key ... and end-of-message; the host looks up the
// pending session and dispatches it"). Accept blocks running the session
// to completion and returns its final result, so callers invoke it from
// their own per-connection goroutine (one goroutine per session).
func (h *Host) Accept(ctx context.Context, conn wire.Duplex, cmd Command, key SessionKey) (summary.Result, error) {
	wantRole, err := cmd.Role()
	if err != nil {
		return summary.Result{}, err
	}

	var s *Session
	h.do(func() {
		s = h.sessions[key]
	})
	if s == nil {
		return summary.Result{}, ErrUnknownSessionKey
	}
	if s.role != wantRole {
		return summary.Result{}, ErrRoleMismatch
	}

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return summary.Result{}, fmt.Errorf("session: %s already completed", key)
	}
	s.conn = conn
	s.mu.Unlock()

	result, err := h.run(s)

	h.do(func() {
		delete(h.sessions, key)
	})
	h.releaseKey(key)

	return result, err
}

func (h *Host) run(s *Session) (summary.Result, error) {
	defer close(s.events)

	var result summary.Result
	var err error

	switch s.role {
	case RoleDownloader:
		opts := s.opts.DownloadOptions
		if opts.Plugins == nil {
			opts.Plugins = h.plugins
		}
		if opts.ReuseCache == nil {
			opts.ReuseCache = s.opts.ReuseCache
		}
		opts.ReuseReservationID = s.reservation
		if opts.Logger == nil {
			opts.Logger = h.logger
		}
		opts.Progress = func(bytes int64) { s.emit(Event{Kind: EventProgress, BytesTransferred: bytes}) }
		dl := download.New(s.conn, opts)
		result, err = dl.Run(s.ctx)
	case RoleUploader:
		opts := s.opts.UploadOptions
		if opts.Plugins == nil {
			opts.Plugins = h.plugins
		}
		opts.Progress = func(bytes int64) { s.emit(Event{Kind: EventProgress, BytesTransferred: bytes}) }
		up := upload.New(s.conn, opts)
		result, err = up.Run(s.ctx)
	}

	s.emit(Event{Kind: EventFinal, Result: result})
	h.finish(s)
	return result, err
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// finish releases every resource a completed (non-aborted) session holds,
// mirroring Abort's release sequence for the common exit path.
func (h *Host) finish(s *Session) {
	s.mu.Lock()
	if s.done || s.aborted {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	h.releaseAll(s)
}

// Abort releases a session's transfer-queue slot, reuse reservation,
// plugin subprocess, and open files, and is idempotent: a second call on
// the same session, or a call after the session already finished on its
// own, is a no-op (P7).
func (h *Host) Abort(s *Session) {
	s.mu.Lock()
	if s.aborted || s.done {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	conn := s.conn
	s.mu.Unlock()

	// Cancelling the session context stops any exec.CommandContext-driven
	// plugin subprocess (C4) immediately; closing the connection unblocks
	// a Reader/Writer call blocked in the Uploader/Downloader loop so its
	// deferred file handles close as that goroutine unwinds.
	s.cancel()
	if closer, ok := conn.(io.Closer); ok && closer != nil {
		_ = closer.Close()
	}

	h.releaseAll(s)
}

func (h *Host) releaseAll(s *Session) {
	h.releaseSlot(context.Background(), s)
	h.releaseReservation(context.Background(), s)
}

func (h *Host) releaseSlot(ctx context.Context, s *Session) {
	if s.opts.QueueClient == nil || s.leaseID == "" {
		return
	}
	if err := s.opts.QueueClient.Release(ctx, s.leaseID); err != nil {
		h.logger.Warn(ctx, "failed to release queue slot", "key", s.key, "error", err)
	}
	s.leaseID = ""
}

func (h *Host) releaseReservation(ctx context.Context, s *Session) {
	if s.opts.ReuseCache == nil || s.reservation == "" {
		return
	}
	if err := s.opts.ReuseCache.Release(ctx, s.reservation); err != nil {
		h.logger.Warn(ctx, "failed to release reuse reservation", "key", s.key, "error", err)
	}
	s.reservation = ""
}

// Lookup returns the pending or running session for key, if any. Intended
// for callers (e.g. an admin endpoint) that need to Abort a session by key
// rather than by *Session.
func (h *Host) Lookup(key SessionKey) *Session {
	var s *Session
	h.do(func() {
		s = h.sessions[key]
	})
	return s
}
