// Package summary defines the transfer-session result contract: a
// (success, tryAgain, holdCode, holdSubcode, holdReason) tuple per spec §7,
// with the hold-code taxonomy expressed as a typed enum in the style of
// the teacher pack's State/iota enums (grounded in
// ChuLiYu-raft-recovery's raft.State).
package summary

import "fmt"

// HoldCode classifies why a session was placed on hold, mirroring the
// error-handling taxonomy of spec §7.
type HoldCode int

const (
	// HoldNone means the session did not hold; check Success instead.
	HoldNone HoldCode = iota
	// DownloadFileError covers permanent I/O failures and illegal sandbox
	// paths on the receiving side.
	DownloadFileError
	// UploadFileError covers permanent I/O failures reading from the
	// sandbox on the sending side.
	UploadFileError
	// MaxTransferOutputSizeExceeded is the dedicated quota code for a
	// receiver rejecting a stream over its max_download_bytes.
	MaxTransferOutputSizeExceeded
	// MaxTransferInputSizeExceeded is the dedicated quota code for a
	// sender's sandbox exceeding max_upload_bytes.
	MaxTransferInputSizeExceeded
	// PluginFailure covers a non-zero plugin exit or malformed multi-file
	// plugin output.
	PluginFailure
	// ProtocolViolation covers a missing end-of-message marker or an
	// unrecognized command code.
	ProtocolViolation
	// ReuseError covers cache-miss or reservation failures; per spec §7
	// these are non-fatal and only ever surface informationally.
	ReuseError
	// SignError covers a sign-negotiation refusal or object-store error.
	SignError
	// QueueError covers a transfer-queue coordinator failure response.
	QueueError
)

func (c HoldCode) String() string {
	switch c {
	case HoldNone:
		return "HoldNone"
	case DownloadFileError:
		return "DownloadFileError"
	case UploadFileError:
		return "UploadFileError"
	case MaxTransferOutputSizeExceeded:
		return "MaxTransferOutputSizeExceeded"
	case MaxTransferInputSizeExceeded:
		return "MaxTransferInputSizeExceeded"
	case PluginFailure:
		return "PluginFailure"
	case ProtocolViolation:
		return "ProtocolViolation"
	case ReuseError:
		return "ReuseError"
	case SignError:
		return "SignError"
	case QueueError:
		return "QueueError"
	default:
		return "Unknown"
	}
}

// Result is the summary record a session emits to its host pipe (spec §7).
type Result struct {
	Success           bool
	TryAgain          bool
	HoldCode          HoldCode
	HoldSubcode       int
	HoldReason        string
	FilesTransferred  int
	BytesTransferred  int64
	PerFileStatistics []FileStat
}

// FileStat records one transferred (or attempted) file's outcome, used for
// both the seed scenarios' "per-file plugin statistics record" and the
// statistics log.
type FileStat struct {
	FileName string
	Bytes    int64
	Protocol string
	Success  bool
	Error    string
}

// Ok builds a successful Result.
func Ok(files int, bytes int64, stats []FileStat) Result {
	return Result{Success: true, FilesTransferred: files, BytesTransferred: bytes, PerFileStatistics: stats}
}

// Hold builds a failed Result with a hold code, matching the
// "(success, tryAgain, holdCode, holdSubcode, holdReason)" reporting
// contract of spec §7.
func Hold(code HoldCode, subcode int, reason string) Result {
	return Result{Success: false, TryAgain: false, HoldCode: code, HoldSubcode: subcode, HoldReason: reason}
}

// TransientFailure builds a retryable Result (spec §7's "Transient I/O" and
// "Protocol violation" rows both set try-again=true).
func TransientFailure(reason string) Result {
	return Result{Success: false, TryAgain: true, HoldReason: reason}
}

func (r Result) String() string {
	if r.Success {
		return fmt.Sprintf("success files=%d bytes=%d", r.FilesTransferred, r.BytesTransferred)
	}
	return fmt.Sprintf("failure try-again=%t hold-code=%s hold-subcode=%d reason=%q",
		r.TryAgain, r.HoldCode, r.HoldSubcode, r.HoldReason)
}
