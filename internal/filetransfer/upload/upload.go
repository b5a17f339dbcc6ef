// Package upload implements the uploader state machine (C8): build-list
// negotiation (reuse, signing), per-item emission, and the final ack
// exchange with the peer downloader (spec §4.8).
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relayforge/relayforge/internal/classad"
	"github.com/relayforge/relayforge/internal/filetransfer/plugin"
	"github.com/relayforge/relayforge/internal/filetransfer/planner"
	"github.com/relayforge/relayforge/internal/filetransfer/summary"
	"github.com/relayforge/relayforge/internal/filetransfer/wire"
	"github.com/relayforge/relayforge/internal/logging"
)

// ReuseCandidate is one item this session offers to skip if the peer
// already holds identical content, carried over sub-command 8 (spec §4.5).
type ReuseCandidate struct {
	FileName     string
	Checksum     string
	ChecksumType string
	Tag          string
	Size         int64
}

// Options configures one upload session.
type Options struct {
	// Items is the already-ordered transfer plan (spec §3, §4.2).
	Items []planner.TransferItem
	// Iwd resolves each item's SourceName to a local path.
	Iwd string
	// CredentialPath, if non-empty, marks the item that must be sent via
	// the credential-delegation command instead of a plain file transfer.
	CredentialPath string
	// MaxTransferInputBytes bounds the sandbox size before any bytes move;
	// 0 means unlimited.
	MaxTransferInputBytes int64
	// ReuseCandidates offers items the peer may already hold.
	ReuseCandidates []ReuseCandidate
	ReuseTag        string
	// ShouldEncrypt, if set, is consulted per local file to choose between
	// the CodeEncryptOn and CodeEncryptOff wire commands (job.ShouldEncryptInput,
	// spec §4.7's per-command encryption toggle). A nil func sends
	// CodeEncryptChannelDefault for every file, matching the peer's own default.
	ShouldEncrypt func(name string) bool
	// Plugins resolves destination-URL items to a push-capable plugin.
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
	// Progress, if set, is called after each file is sent with the
	// running total of bytes sent, letting a session host publish
	// EventProgress updates (spec §5).
	Progress func(bytesSent int64)
}

// Uploader drives the send side of one transfer session.
type Uploader struct {
	d    wire.Duplex
	fr   *wire.Framer
	opts Options

	bytesSent int64
	filesSent int
	stats     []summary.FileStat

	firstErr   error
	tryAgain   bool
	holdCode   summary.HoldCode
	holdReason string

	pending      map[string]*pushBatch
	pendingOrder []string
}

type pushBatch struct {
	reg      *plugin.Registration
	requests []plugin.TransferRequest
	names    []string
}

// New returns an Uploader that reads and writes over d.
func New(d wire.Duplex, opts Options) *Uploader {
	return &Uploader{d: d, fr: wire.New(d), opts: opts, pending: map[string]*pushBatch{}}
}

// maxTransferOutputSlackBytes is the sender-side slack allowed over the
// peer-echoed MaxTransferOutputBytes before the sender itself holds the
// session, per spec §8 property P6 ("the sender never emits more than
// M + 64 KiB slack bytes").
const maxTransferOutputSlackBytes = 64 * 1024

// Run drives Init → BuildList (already done by the caller) →
// NegotiateReuse? → NegotiateSigning? → Emit(item)* → EmitEnd →
// AwaitDownloadAck → Done.
func (u *Uploader) Run(ctx context.Context) (summary.Result, error) {
	sandboxBytes := sumSizes(u.opts.Items)

	peerMaxOutputBytes, err := u.negotiateXferInfo(sandboxBytes)
	if err != nil {
		return summary.Result{}, err
	}

	if u.opts.MaxTransferInputBytes > 0 && sandboxBytes > u.opts.MaxTransferInputBytes {
		result := summary.Hold(summary.MaxTransferInputSizeExceeded, 0,
			fmt.Sprintf("sandbox size %d exceeds max transfer input bytes %d", sandboxBytes, u.opts.MaxTransferInputBytes))
		if err := u.finish(result); err != nil {
			return result, err
		}
		return result, nil
	}

	// Spec §4.7: "the receiver's limit is echoed back to the sender so the
	// sender, not the receiver, enforces the cap and can produce a precise
	// hold reason." Checked here, before any bytes move, rather than left
	// for the receiver to discover mid-stream.
	if peerMaxOutputBytes > 0 && sandboxBytes > peerMaxOutputBytes+maxTransferOutputSlackBytes {
		result := summary.Hold(summary.MaxTransferOutputSizeExceeded, 0,
			fmt.Sprintf("sandbox size %d exceeds peer's max transfer output bytes %d (+%d slack)",
				sandboxBytes, peerMaxOutputBytes, maxTransferOutputSlackBytes))
		if err := u.finish(result); err != nil {
			return result, err
		}
		return result, nil
	}

	retrieved := map[string]bool{}
	if len(u.opts.ReuseCandidates) > 0 {
		var err error
		retrieved, err = u.negotiateReuse()
		if err != nil {
			return summary.Result{}, err
		}
	}

	signed := map[string]string{}
	if destURLs := collectDestURLs(u.opts.Items); len(destURLs) > 0 {
		var err error
		signed, err = u.negotiateSigning(destURLs)
		if err != nil {
			return summary.Result{}, err
		}
	}

	// Destination-URL items sort before CEDAR/source-URL items (spec §3),
	// which is what lets a stage-out plugin alter the transfer before any
	// later item is sent. That ordering only holds on the wire if a push
	// batch's results are flushed the moment the item stream moves off its
	// (plugin, scheme) group, not deferred to end-of-session — otherwise
	// CEDAR bytes for later items would precede the push results that
	// belong before them.
	var openPushPath string
	for _, item := range u.opts.Items {
		if retrieved[item.SourceName] {
			continue
		}

		var pushPath string
		var pushReg *plugin.Registration
		var pushURL string
		if item.DestURL != "" {
			reg, url, err := u.resolvePush(item, signed)
			if err != nil {
				u.recordError(summary.UploadFileError, err)
				continue
			}
			pushPath, pushReg, pushURL = reg.Path, reg, url
		}

		if openPushPath != "" && pushPath != openPushPath {
			u.flushPushBatches(ctx)
		}
		openPushPath = pushPath

		if pushReg != nil {
			u.queuePush(item, pushReg, pushURL)
			continue
		}

		if err := u.emit(item); err != nil {
			code := summary.UploadFileError
			if errors.Is(err, wire.ErrProtocolViolation) {
				u.recordError(summary.ProtocolViolation, err)
				break
			}
			u.recordError(code, err)
		}
	}

	u.flushPushBatches(ctx)

	result := u.result()
	if err := u.finish(result); err != nil {
		return result, err
	}
	return result, nil
}

func sumSizes(items []planner.TransferItem) int64 {
	var total int64
	for _, item := range items {
		if item.DestURL == "" && item.SourceScheme == "" && !item.IsDirectory {
			total += item.FileSize
		}
	}
	return total
}

// collectDestURLs gathers destination URLs that need a presigned variant
// before this session may push to them. Only object-store URLs go through
// sign negotiation; other destination schemes (e.g. a plugin-managed push
// endpoint) are pushed to as given.
func collectDestURLs(items []planner.TransferItem) []string {
	var urls []string
	for _, item := range items {
		if item.DestURL != "" && urlScheme(item.DestURL) == "s3" {
			urls = append(urls, item.DestURL)
		}
	}
	return urls
}

func (u *Uploader) negotiateXferInfo(sandboxBytes int64) (maxOutBytes int64, err error) {
	req := classad.New()
	req.SetInt("SandboxBytesEstimate", sandboxBytes)
	if err := u.fr.WriteSubCommand(wire.SubCommandXferInfo, req); err != nil {
		return 0, err
	}

	frame, err := u.fr.ReadCommand()
	if err != nil {
		return 0, err
	}
	sub, attrs, err := wire.ReadSubCommand(frame)
	if err != nil {
		return 0, err
	}
	if sub != wire.SubCommandXferInfo {
		return 0, fmt.Errorf("upload: expected xfer-info echo, got sub-command %d", sub)
	}
	v, _ := attrs.GetInt("MaxTransferOutputBytes")
	return v, nil
}

func (u *Uploader) negotiateReuse() (map[string]bool, error) {
	var names, checksums, checksumTypes, tags []string
	for _, c := range u.opts.ReuseCandidates {
		names = append(names, c.FileName)
		checksums = append(checksums, c.Checksum)
		checksumTypes = append(checksumTypes, c.ChecksumType)
		tag := c.Tag
		if tag == "" {
			tag = u.opts.ReuseTag
		}
		tags = append(tags, tag)
	}

	req := classad.New()
	req.SetStringList("FileNames", names)
	req.SetStringList("Checksums", checksums)
	req.SetStringList("ChecksumTypes", checksumTypes)
	req.SetStringList("Tags", tags)
	if err := u.fr.WriteSubCommand(wire.SubCommandReuseQuery, req); err != nil {
		return nil, err
	}

	frame, err := u.fr.ReadCommand()
	if err != nil {
		return nil, err
	}
	sub, attrs, err := wire.ReadSubCommand(frame)
	if err != nil {
		return nil, err
	}
	if sub != wire.SubCommandReuseQuery {
		return nil, fmt.Errorf("upload: expected reuse-query response, got sub-command %d", sub)
	}

	names, _ = attrs.GetStringList("RetrievedFileNames")
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func (u *Uploader) negotiateSigning(urls []string) (map[string]string, error) {
	req := classad.New()
	req.SetStringList("DestUrls", urls)
	if err := u.fr.WriteSubCommand(wire.SubCommandSignRequest, req); err != nil {
		return nil, err
	}

	frame, err := u.fr.ReadCommand()
	if err != nil {
		return nil, err
	}
	sub, attrs, err := wire.ReadSubCommand(frame)
	if err != nil {
		return nil, err
	}
	if sub != wire.SubCommandSignRequest {
		return nil, fmt.Errorf("upload: expected sign-request response, got sub-command %d", sub)
	}

	signedURLs, _ := attrs.GetStringList("SignedUrls")
	out := make(map[string]string, len(urls))
	for i, requested := range urls {
		if i < len(signedURLs) {
			out[requested] = signedURLs[i]
		}
	}
	return out, nil
}

// emit handles every item type except a destination-URL push, which the
// caller resolves and enqueues itself so it can track (plugin, scheme)
// group boundaries across the whole item list.
func (u *Uploader) emit(item planner.TransferItem) error {
	switch {
	case item.IsDirectory:
		return u.fr.WriteCommand(wire.CodeMakeDirectory, item.SourceName, modeBytes(item.FileMode))

	case item.SourceScheme != "":
		filename := filepath.Base(item.SourceName)
		return u.fr.WriteCommand(wire.CodeURL, filename, []byte(item.SourceName))

	default:
		return u.sendLocalFile(item)
	}
}

func (u *Uploader) sendLocalFile(item planner.TransferItem) error {
	path := filepath.Join(u.opts.Iwd, item.SourceName)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	code := wire.CodeEncryptChannelDefault
	switch {
	case u.opts.CredentialPath != "" && item.SourceName == u.opts.CredentialPath:
		code = wire.CodeCredentialDelegation
	case u.opts.ShouldEncrypt != nil && u.opts.ShouldEncrypt(item.SourceName):
		code = wire.CodeEncryptOn
	case u.opts.ShouldEncrypt != nil:
		code = wire.CodeEncryptOff
	}

	if err := u.fr.WriteCommand(code, item.SourceName, nil); err != nil {
		return err
	}
	n, err := wire.WriteFileStream(u.d, f, item.FileSize, false, nil)
	if err != nil {
		return err
	}

	u.bytesSent += n
	u.filesSent++
	u.stats = append(u.stats, summary.FileStat{FileName: item.SourceName, Bytes: n, Success: true})
	u.reportProgress()
	return nil
}

func (u *Uploader) reportProgress() {
	if u.opts.Progress != nil {
		u.opts.Progress(u.bytesSent)
	}
}

// resolvePush signs item's destination URL if needed and looks up the
// plugin that will push it, without mutating any batch state — so the
// caller can compare the result's plugin path against the currently open
// batch before deciding whether to flush.
func (u *Uploader) resolvePush(item planner.TransferItem, signed map[string]string) (*plugin.Registration, string, error) {
	url := item.DestURL
	if urlScheme(url) == "s3" {
		s, ok := signed[url]
		if !ok || s == "" {
			return nil, "", fmt.Errorf("upload: destination %s was not signed by the peer, abandoning", url)
		}
		url = s
	}

	scheme := urlScheme(url)
	if u.opts.Plugins == nil {
		return nil, "", fmt.Errorf("upload: no plugin registry configured for scheme %q", scheme)
	}
	reg, ok := u.opts.Plugins.Lookup(scheme, u.opts.PluginOverrides)
	if !ok {
		return nil, "", fmt.Errorf("upload: no plugin registered for scheme %q", scheme)
	}
	return reg, url, nil
}

func (u *Uploader) queuePush(item planner.TransferItem, reg *plugin.Registration, url string) {
	localPath := filepath.Join(u.opts.Iwd, item.SourceName)
	batch := u.pending[reg.Path]
	if batch == nil {
		batch = &pushBatch{reg: reg}
		u.pending[reg.Path] = batch
		u.pendingOrder = append(u.pendingOrder, reg.Path)
	}
	batch.requests = append(batch.requests, plugin.TransferRequest{URL: url, LocalFileName: localPath})
	batch.names = append(batch.names, item.SourceName)
}

// flushPushBatches invokes each plugin's accumulated batch in the order its
// first item was queued, so multi-file pushes preserve submission order
// across plugins as well as within a single plugin's request slice. Called
// inline whenever the item stream moves to a different (plugin, scheme)
// group as well as once at end-of-session, so it always clears what it
// flushed — otherwise a later call would resend an already-flushed batch.
func (u *Uploader) flushPushBatches(ctx context.Context) {
	order := u.pendingOrder
	pending := u.pending
	u.pendingOrder = nil
	u.pending = map[string]*pushBatch{}

	for _, path := range order {
		batch := pending[path]
		results, err := plugin.InvokeMulti(ctx, batch.reg, batch.requests, true,
			plugin.InvokeOptions{RunAsServicePrincipal: u.opts.RunPluginsAsServicePrincipal})
		if err != nil {
			u.recordError(summary.PluginFailure, err)
			continue
		}
		for i, r := range results {
			name := r.TransferFileName
			if name == "" && i < len(batch.names) {
				name = batch.names[i]
			}
			ack := classad.New()
			ack.SetString("TransferFileName", name)
			ack.SetString("TransferUrl", r.TransferUrl)
			ack.SetBool("TransferSuccess", r.TransferSuccess)
			ack.SetString("TransferError", r.TransferError)
			ack.SetInt("TransferFileBytes", r.TransferFileBytes)
			ack.SetString("TransferProtocol", r.TransferProtocol)
			if werr := u.fr.WriteSubCommand(wire.SubCommandPluginUploadResult, ack); werr != nil {
				u.recordError(summary.ProtocolViolation, werr)
				return
			}
			if r.TransferSuccess {
				u.filesSent++
				u.bytesSent += r.TransferFileBytes
				u.stats = append(u.stats, summary.FileStat{FileName: name, Bytes: r.TransferFileBytes, Protocol: r.TransferProtocol, Success: true})
				u.reportProgress()
			} else {
				u.recordError(summary.PluginFailure, errors.New(r.TransferError))
			}
		}
	}
}

func modeBytes(mode os.FileMode) []byte {
	perm := uint32(mode.Perm())
	return []byte{byte(perm >> 24), byte(perm >> 16), byte(perm >> 8), byte(perm)}
}

func urlScheme(u string) string {
	idx := strings.Index(u, "://")
	if idx < 0 {
		return ""
	}
	return u[:idx]
}

func (u *Uploader) recordError(code summary.HoldCode, err error) {
	if u.firstErr == nil {
		u.firstErr = err
		u.holdCode = code
		u.holdReason = err.Error()
	}
}

func (u *Uploader) result() summary.Result {
	if u.firstErr != nil {
		return summary.Result{
			Success:           false,
			TryAgain:          u.tryAgain,
			HoldCode:          u.holdCode,
			HoldReason:        u.holdReason,
			FilesTransferred:  u.filesSent,
			BytesTransferred:  u.bytesSent,
			PerFileStatistics: u.stats,
		}
	}
	return summary.Ok(u.filesSent, u.bytesSent, u.stats)
}

func (u *Uploader) finish(result summary.Result) error {
	if err := u.fr.WriteCommand(wire.CodeEndOfStream, "", nil); err != nil {
		return err
	}
	attrs := classad.New()
	attrs.SetBool("Success", result.Success)
	attrs.SetBool("TryAgain", result.TryAgain)
	attrs.SetInt("HoldCode", int64(result.HoldCode))
	attrs.SetString("HoldReason", result.HoldReason)
	attrs.SetInt("FilesTransferred", int64(result.FilesTransferred))
	attrs.SetInt("BytesTransferred", result.BytesTransferred)
	if err := u.fr.WriteSubCommand(wire.SubCommandAck, attrs); err != nil {
		return err
	}

	frame, err := u.fr.ReadCommand()
	if err != nil {
		return err
	}
	if frame.Code != wire.CodeEndOfStream {
		return nil
	}
	ackFrame, err := u.fr.ReadCommand()
	if err != nil {
		return err
	}
	_, _, _ = wire.ReadSubCommand(ackFrame)
	return nil
}
