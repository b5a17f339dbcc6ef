// Package download implements the downloader state machine (C9): read the
// xfer-info preamble, dispatch each incoming command, commit the sandbox
// transactionally, and ack the peer (spec §4.9).
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/relayforge/relayforge/internal/classad"
	"github.com/relayforge/relayforge/internal/cryptox"
	"github.com/relayforge/relayforge/internal/filetransfer/plugin"
	"github.com/relayforge/relayforge/internal/filetransfer/reuse"
	"github.com/relayforge/relayforge/internal/filetransfer/sign"
	"github.com/relayforge/relayforge/internal/filetransfer/summary"
	"github.com/relayforge/relayforge/internal/filetransfer/wire"
	"github.com/relayforge/relayforge/internal/filex"
	"github.com/relayforge/relayforge/internal/logging"
)

// reuseChecksumType is the checksum algorithm used to ingest freshly
// received files into the reuse cache (spec §4.5).
const reuseChecksumType = "sha256"

// Options configures one download session.
type Options struct {
	// SandboxDir is the final, committed sandbox directory.
	SandboxDir string
	// Remap rewrites incoming filenames before they are placed, per the
	// sender- or receiver-supplied remap table (GLOSSARY: Remap).
	Remap map[string]string
	// MaxTransferOutputBytes bounds total bytes accepted; 0 means
	// unlimited. Exceeding it produces MaxTransferOutputSizeExceeded.
	MaxTransferOutputBytes int64
	// Final selects direct-to-sandbox delivery; when false, writes go to a
	// tmp-spool sibling and are committed transactionally at session end
	// (spec §4.9's "Transactional delivery").
	Final bool
	// ReuseCache, if set, backs sub-command 8 (reuse-info query) and is
	// also ingested into as freshly received files land (spec §4.5).
	ReuseCache reuse.Cache
	ReuseTag   string
	// ReuseReservationID is the session's live reuse-cache reservation
	// (session.Session.reservation), required before CacheFile may be
	// called (spec §4.5's "no reservation, no ingestion").
	ReuseReservationID string
	// Signer and AllowedDestPrefixes back sub-command 9 (sign request).
	Signer              *sign.Signer
	AllowedDestPrefixes []string
	// Plugins resolves URL schemes to transfer plugins for command 5.
	Plugins *plugin.Registry
	// PluginOverrides is the job's inline scheme→path override table
	// (job.Job.PluginOverride, parsed by plugin.ParseOverrides), which wins
	// over Plugins' global table for any scheme it names (spec §4.3).
	PluginOverrides map[string]string
	// RunPluginsAsServicePrincipal marks the invoked plugin subprocess as
	// running under the service principal's identity rather than the job
	// owner's (RUN_FILETRANSFER_PLUGINS_WITH_ROOT, spec §6).
	RunPluginsAsServicePrincipal bool
	Logger                       logging.Logger
	// Progress, if set, is called after each file (or plugin transfer
	// result) is deposited with the running total of bytes received,
	// letting a session host publish EventProgress updates (spec §5).
	Progress func(bytesReceived int64)
}

// Downloader drives the receive side of one transfer session.
type Downloader struct {
	d    wire.Duplex
	fr   *wire.Framer
	opts Options

	spoolTarget string
	encryptNext bool
	key         []byte

	bytesReceived  int64
	filesDeposited []string
	stats          []summary.FileStat

	firstErr    error
	tryAgain    bool
	holdCode    summary.HoldCode
	holdSubcode int
	holdReason  string

	pending      map[string]*multiFileBatch
	pendingOrder []string
}

type multiFileBatch struct {
	reg      *plugin.Registration
	requests []plugin.TransferRequest
}

// New returns a Downloader that reads and writes over d.
func New(d wire.Duplex, opts Options) *Downloader {
	target := opts.SandboxDir
	if !opts.Final {
		target = opts.SandboxDir + filex.TmpSuffix
	}
	return &Downloader{
		d:           d,
		fr:          wire.New(d),
		opts:        opts,
		spoolTarget: target,
		pending:     map[string]*multiFileBatch{},
	}
}

// SetDelegationKey installs the shared key used to decrypt encrypted file
// streams (spec §6's credential-delegation primitive establishes this key
// out of band; the session that constructs a Downloader is expected to
// have already derived it).
func (dl *Downloader) SetDelegationKey(key []byte) {
	dl.key = key
}

// Run drives Init → ReadXferInfo → (ReadCommand → Dispatch)* → Commit →
// AckPeer → Done.
func (dl *Downloader) Run(ctx context.Context) (summary.Result, error) {
	if err := os.MkdirAll(dl.spoolTarget, 0o700); err != nil {
		return summary.Result{}, err
	}

	maxOutBytes, err := dl.readXferInfo()
	if err != nil {
		return summary.Result{}, err
	}
	dl.opts.MaxTransferOutputBytes = maxOutBytes

loop:
	for {
		frame, err := dl.fr.ReadCommand()
		if err != nil {
			if errors.Is(err, wire.ErrProtocolViolation) {
				return protocolViolation(err.Error()), nil
			}
			return summary.TransientFailure(err.Error()), nil
		}

		switch frame.Code {
		case wire.CodeEndOfStream:
			dl.readPeerAck()
			break loop
		case wire.CodeEncryptChannelDefault, wire.CodeEncryptOn, wire.CodeEncryptOff:
			// No shared key is established between uploader and downloader
			// yet (spec §6's delegation primitive is unwired end-to-end), so
			// every one of these three codes travels as a plain, unencrypted
			// stream on the wire regardless of which one the sender chose —
			// sendLocalFile picks the code to reflect the job's declared
			// intent, but always writes with WriteFileStream's encrypt=false.
			// encryptNext must match that, or ReadFileStream misreads the
			// chunk framing and desyncs the rest of the session.
			dl.encryptNext = false
			if ferr := dl.receiveFile(ctx, frame, true); ferr != nil {
				dl.recordError(summary.DownloadFileError, ferr)
			}
		case wire.CodeCredentialDelegation:
			if ferr := dl.receiveFile(ctx, frame, false); ferr != nil {
				dl.recordError(summary.DownloadFileError, ferr)
			}
		case wire.CodeURL:
			dl.handleURL(ctx, frame)
		case wire.CodeMakeDirectory:
			if ferr := dl.makeDirectory(frame); ferr != nil {
				dl.recordError(summary.DownloadFileError, ferr)
			}
		case wire.CodeSubCommand:
			if ferr := dl.dispatchSubCommand(ctx, frame); ferr != nil {
				dl.recordError(summary.DownloadFileError, ferr)
			}
		default:
			return protocolViolation(fmt.Sprintf("unknown command code %d", frame.Code)), nil
		}
	}

	dl.flushMultiFile(ctx)

	if dl.firstErr == nil && !dl.opts.Final {
		if err := filex.WriteCommitMarker(dl.spoolTarget); err != nil {
			return summary.Result{}, err
		}
		if err := filex.CommitSpool(dl.opts.SandboxDir); err != nil {
			return summary.Result{}, err
		}
	}

	result := dl.result()
	if err := dl.ackPeer(result); err != nil {
		return result, err
	}
	return result, nil
}

func (dl *Downloader) readXferInfo() (maxOutBytes int64, err error) {
	frame, err := dl.fr.ReadCommand()
	if err != nil {
		return 0, err
	}
	sub, attrs, err := wire.ReadSubCommand(frame)
	if err != nil {
		return 0, err
	}
	if sub != wire.SubCommandXferInfo {
		return 0, fmt.Errorf("download: expected xfer-info, got sub-command %d", sub)
	}
	_, _ = attrs.GetInt("SandboxBytesEstimate")

	resp := classad.New()
	resp.SetInt("MaxTransferOutputBytes", dl.opts.MaxTransferOutputBytes)
	if err := dl.fr.WriteSubCommand(wire.SubCommandXferInfo, resp); err != nil {
		return 0, err
	}
	return dl.opts.MaxTransferOutputBytes, nil
}

func (dl *Downloader) readPeerAck() {
	frame, err := dl.fr.ReadCommand()
	if err != nil {
		return
	}
	_, _, _ = wire.ReadSubCommand(frame)
}

func (dl *Downloader) resolvePath(name string) (string, error) {
	remapped := filex.ApplyRemap(dl.opts.Remap, name)
	return filex.SafeJoin(dl.spoolTarget, remapped)
}

// quotaWriter enforces MaxTransferOutputBytes without aborting the read,
// so the wire stays framed correctly for whatever the sender sends next
// (spec §7: "the receiver, on a write error, keeps reading").
type quotaWriter struct {
	w        io.Writer
	limit    int64
	written  *int64
	exceeded bool
}

func (q *quotaWriter) Write(p []byte) (int, error) {
	if q.limit > 0 && *q.written+int64(len(p)) > q.limit {
		q.exceeded = true
		*q.written += int64(len(p))
		return len(p), nil
	}
	n, err := q.w.Write(p)
	*q.written += int64(n)
	return n, err
}

// receiveFile writes one incoming CEDAR byte stream to path. cacheable
// marks whether the file is a candidate for the reuse cache once written
// (spec §4.5) — credential-delegation streams never are.
func (dl *Downloader) receiveFile(ctx context.Context, frame wire.Frame, cacheable bool) error {
	path, safeErr := dl.resolvePath(frame.Filename)

	var underlying io.Writer = io.Discard
	var f *os.File
	var ioErr error
	if safeErr == nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			ioErr = err
		} else if created, err := os.Create(path); err != nil {
			ioErr = err
		} else {
			f = created
			defer f.Close()
			underlying = f
		}
	}

	// Whatever went wrong above, the sender's length-prefixed bytes are
	// still coming and must be read off the wire — discarding into
	// io.Discard when there is nowhere to put them — or every command
	// that follows in this session desyncs (spec §7/§4.9).
	qw := &quotaWriter{w: underlying, limit: dl.opts.MaxTransferOutputBytes, written: &dl.bytesReceived}
	_, err := wire.ReadFileStream(dl.d, qw, dl.encryptNext, dl.key)
	if err != nil {
		return err
	}

	if ioErr != nil {
		return ioErr
	}
	if safeErr != nil {
		return fmt.Errorf("%w: %s", filex.ErrIllegalSandboxPath, frame.Filename)
	}
	if qw.exceeded {
		dl.recordError(summary.MaxTransferOutputSizeExceeded, fmt.Errorf("%s exceeds max transfer output bytes", frame.Filename))
		if f != nil {
			_ = f.Close()
			_ = os.Remove(path)
			f = nil
		}
		return nil
	}

	if f != nil && looksExecutable(frame.Filename) {
		_ = f.Chmod(0755)
	}
	dl.filesDeposited = append(dl.filesDeposited, frame.Filename)
	dl.reportProgress()

	if f != nil && cacheable {
		_ = f.Close()
		dl.cacheReceivedFile(ctx, path)
	}
	return nil
}

// cacheReceivedFile ingests a freshly written file into the reuse cache
// under this session's reservation, so a future sender offering the same
// content can skip retransmitting it (spec §4.5, property P8). Failures
// here are logged, not fatal: the file is already safely on disk regardless
// of whether it also lands in the cache.
func (dl *Downloader) cacheReceivedFile(ctx context.Context, path string) {
	if dl.opts.ReuseCache == nil || dl.opts.ReuseReservationID == "" {
		return
	}
	sum, err := cryptox.ChecksumFile(path, reuseChecksumType)
	if err != nil {
		if dl.opts.Logger != nil {
			dl.opts.Logger.Warn(ctx, "reuse checksum failed, skipping cache ingest", "path", path, "error", err)
		}
		return
	}
	if err := dl.opts.ReuseCache.CacheFile(ctx, path, sum, reuseChecksumType, dl.opts.ReuseReservationID); err != nil {
		if dl.opts.Logger != nil {
			dl.opts.Logger.Warn(ctx, "reuse cache ingest failed", "path", path, "error", err)
		}
	}
}

func (dl *Downloader) reportProgress() {
	if dl.opts.Progress != nil {
		dl.opts.Progress(dl.bytesReceived)
	}
}

func looksExecutable(name string) bool {
	base := filepath.Base(name)
	return base == "condor_exec.exe" || strings.HasSuffix(base, ".exe")
}

func (dl *Downloader) makeDirectory(frame wire.Frame) error {
	path, err := dl.resolvePath(frame.Filename)
	if err != nil {
		return err
	}

	mode := os.FileMode(0700)
	if len(frame.Payload) == 4 {
		m := uint32(frame.Payload[0])<<24 | uint32(frame.Payload[1])<<16 | uint32(frame.Payload[2])<<8 | uint32(frame.Payload[3])
		if m != 0 {
			mode = os.FileMode(m)
		}
	}

	info, statErr := os.Stat(path)
	if statErr == nil {
		if info.IsDir() {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return os.MkdirAll(path, mode)
}

func (dl *Downloader) handleURL(ctx context.Context, frame wire.Frame) {
	url := string(frame.Payload)
	path, safeErr := dl.resolvePath(frame.Filename)
	if safeErr != nil {
		dl.recordError(summary.DownloadFileError, safeErr)
		return
	}

	scheme := urlScheme(url)
	if dl.opts.Plugins == nil {
		dl.recordError(summary.PluginFailure, fmt.Errorf("no plugin registry configured for scheme %q", scheme))
		return
	}
	reg, ok := dl.opts.Plugins.Lookup(scheme, dl.opts.PluginOverrides)
	if !ok {
		dl.recordError(summary.PluginFailure, fmt.Errorf("no plugin registered for scheme %q", scheme))
		return
	}

	if reg.MultiFile {
		batch := dl.pending[reg.Path]
		if batch == nil {
			batch = &multiFileBatch{reg: reg}
			dl.pending[reg.Path] = batch
			dl.pendingOrder = append(dl.pendingOrder, reg.Path)
		}
		batch.requests = append(batch.requests, plugin.TransferRequest{URL: url, LocalFileName: path})
		return
	}

	attrs, err := plugin.InvokeSingle(ctx, reg, url, path,
		plugin.InvokeOptions{RunAsServicePrincipal: dl.opts.RunPluginsAsServicePrincipal})
	if err != nil {
		dl.recordError(summary.PluginFailure, err)
		return
	}
	bytesTransferred, _ := attrs.GetInt("TransferFileBytes")
	dl.stats = append(dl.stats, summary.FileStat{
		FileName: frame.Filename,
		Bytes:    bytesTransferred,
		Protocol: scheme,
		Success:  true,
	})
	dl.filesDeposited = append(dl.filesDeposited, frame.Filename)
	dl.bytesReceived += bytesTransferred
	dl.reportProgress()
}

// flushMultiFile invokes each plugin's accumulated batch in the order its
// first URL was seen, so batched multi-file transfers preserve submission
// order across plugins as well as within a single plugin's request slice.
func (dl *Downloader) flushMultiFile(ctx context.Context) {
	for _, path := range dl.pendingOrder {
		batch := dl.pending[path]
		results, err := plugin.InvokeMulti(ctx, batch.reg, batch.requests, false,
			plugin.InvokeOptions{RunAsServicePrincipal: dl.opts.RunPluginsAsServicePrincipal})
		if err != nil {
			dl.recordError(summary.PluginFailure, err)
			continue
		}
		for _, r := range results {
			stat := summary.FileStat{
				FileName: r.TransferFileName,
				Bytes:    r.TransferFileBytes,
				Protocol: r.TransferProtocol,
				Success:  r.TransferSuccess,
				Error:    r.TransferError,
			}
			dl.stats = append(dl.stats, stat)
			if r.TransferSuccess {
				dl.filesDeposited = append(dl.filesDeposited, r.TransferFileName)
				dl.bytesReceived += r.TransferFileBytes
				dl.reportProgress()
			} else {
				dl.recordError(summary.PluginFailure, errors.New(r.TransferError))
			}
		}
	}
}

func (dl *Downloader) dispatchSubCommand(ctx context.Context, frame wire.Frame) error {
	sub, attrs, err := wire.ReadSubCommand(frame)
	if err != nil {
		return err
	}

	switch sub {
	case wire.SubCommandPluginUploadResult:
		fileName, _ := attrs.GetString("TransferFileName")
		url, _ := attrs.GetString("TransferUrl")
		ok, _ := attrs.GetBool("TransferSuccess")
		bytesMoved, _ := attrs.GetInt("TransferFileBytes")
		protocol, _ := attrs.GetString("TransferProtocol")
		dl.stats = append(dl.stats, summary.FileStat{FileName: fileName, Bytes: bytesMoved, Protocol: protocol, Success: ok})
		if ok {
			dl.filesDeposited = append(dl.filesDeposited, fileName)
		} else {
			errMsg, _ := attrs.GetString("TransferError")
			dl.recordError(summary.PluginFailure, fmt.Errorf("plugin upload of %s to %s failed: %s", fileName, url, errMsg))
		}
		return nil

	case wire.SubCommandReuseQuery:
		return dl.handleReuseQuery(ctx, attrs)

	case wire.SubCommandSignRequest:
		return dl.handleSignRequest(ctx, attrs)

	default:
		return fmt.Errorf("download: unexpected sub-command %d", sub)
	}
}

func (dl *Downloader) handleReuseQuery(ctx context.Context, req *classad.Attrs) error {
	names, _ := req.GetStringList("FileNames")
	checksums, _ := req.GetStringList("Checksums")
	checksumTypes, _ := req.GetStringList("ChecksumTypes")
	tags, _ := req.GetStringList("Tags")

	var retrieved []string
	if dl.opts.ReuseCache != nil {
		for i, name := range names {
			if i >= len(checksums) || i >= len(checksumTypes) {
				break
			}
			tag := dl.opts.ReuseTag
			if i < len(tags) {
				tag = tags[i]
			}
			path, err := dl.resolvePath(name)
			if err != nil {
				continue
			}
			if err := dl.opts.ReuseCache.RetrieveFile(ctx, path, checksums[i], checksumTypes[i], tag); err == nil {
				retrieved = append(retrieved, name)
				dl.filesDeposited = append(dl.filesDeposited, name)
			}
		}
	}

	resp := classad.New()
	resp.SetStringList("RetrievedFileNames", retrieved)
	return dl.fr.WriteSubCommand(wire.SubCommandReuseQuery, resp)
}

func (dl *Downloader) handleSignRequest(ctx context.Context, req *classad.Attrs) error {
	urls, _ := req.GetStringList("DestUrls")
	signed := make([]string, len(urls))

	for i, u := range urls {
		if dl.opts.Signer == nil {
			continue
		}
		s, err := dl.opts.Signer.SignIfAllowed(ctx, u, dl.opts.AllowedDestPrefixes)
		if err != nil {
			continue
		}
		signed[i] = s
	}

	resp := classad.New()
	resp.SetStringList("SignedUrls", signed)
	return dl.fr.WriteSubCommand(wire.SubCommandSignRequest, resp)
}

// protocolViolation builds a Hold result for a framing error or unrecognized
// command code. Spec §7 classifies protocol violations as retryable
// ("abort immediately, try-again = true"), unlike the other hold codes.
func protocolViolation(reason string) summary.Result {
	r := summary.Hold(summary.ProtocolViolation, 0, reason)
	r.TryAgain = true
	return r
}

func (dl *Downloader) recordError(code summary.HoldCode, err error) {
	if dl.firstErr == nil {
		dl.firstErr = err
		dl.holdCode = code
		dl.holdReason = err.Error()
	}
}

func (dl *Downloader) result() summary.Result {
	if dl.firstErr != nil {
		return summary.Result{
			Success:           false,
			TryAgain:          dl.tryAgain,
			HoldCode:          dl.holdCode,
			HoldSubcode:       dl.holdSubcode,
			HoldReason:        dl.holdReason,
			FilesTransferred:  len(dl.filesDeposited),
			BytesTransferred:  dl.bytesReceived,
			PerFileStatistics: dl.stats,
		}
	}
	return summary.Ok(len(dl.filesDeposited), dl.bytesReceived, dl.stats)
}

func (dl *Downloader) ackPeer(result summary.Result) error {
	if err := dl.fr.WriteCommand(wire.CodeEndOfStream, "", nil); err != nil {
		return err
	}
	attrs := classad.New()
	attrs.SetBool("Success", result.Success)
	attrs.SetBool("TryAgain", result.TryAgain)
	attrs.SetInt("HoldCode", int64(result.HoldCode))
	attrs.SetString("HoldReason", result.HoldReason)
	attrs.SetInt("FilesTransferred", int64(result.FilesTransferred))
	attrs.SetInt("BytesTransferred", result.BytesTransferred)
	return dl.fr.WriteSubCommand(wire.SubCommandAck, attrs)
}

func urlScheme(u string) string {
	idx := strings.Index(u, "://")
	if idx < 0 {
		return ""
	}
	return u[:idx]
}
