// Package wire implements the CEDAR-style framed wire protocol (C7):
// command/sub-command encoding with explicit end-of-message boundaries,
// per-command encryption toggling, and streamed file-byte payloads
// (spec §3 "Wire commands", §4.7).
//
// Commands are modelled as tagged Go values (Command) at every layer above
// this package; the numeric codes below exist only for wire compatibility,
// per Design Note 9.5.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/relayforge/relayforge/internal/classad"
	"github.com/relayforge/relayforge/internal/cryptox"
)

// Code is a wire command code.
type Code uint16

const (
	CodeEndOfStream        Code = 0
	CodeEncryptChannelDefault Code = 1
	CodeEncryptOn          Code = 2
	CodeEncryptOff         Code = 3
	CodeCredentialDelegation Code = 4
	CodeURL                Code = 5
	CodeMakeDirectory      Code = 6
	CodeSubCommand         Code = 999

	// CodeUpload and CodeDownload are the two higher-layer command codes a
	// control-listener connection opens with (spec §5/§6): the peer sends
	// one of these plus a session key before the per-session command loop
	// above begins. They share this package's frame/EOM encoding but are
	// otherwise unrelated to the per-session codes: CodeUpload means the
	// peer is uploading to us (we act as downloader); CodeDownload means
	// the peer wants to download from us (we act as uploader).
	CodeUpload   Code = 100
	CodeDownload Code = 101
)

// SubCommand identifies the structured payload under CodeSubCommand.
type SubCommand int

const (
	// SubCommandXferInfo carries the xfer-info preamble (spec §4.7): the
	// sandbox-byte-estimate and the receiver's echoed max-transfer-bytes
	// cap, exchanged once before the per-item command loop begins.
	SubCommandXferInfo SubCommand = 0
	// SubCommandAck carries the final summary record spec §4.8's "Final
	// step" describes ("an ack record summarising (success, try-again,
	// hold-code, hold-subcode, hold-reason)"), sent after the code-0
	// end-of-stream frame.
	SubCommandAck                SubCommand = 1
	SubCommandPluginUploadResult SubCommand = 7
	SubCommandReuseQuery         SubCommand = 8
	SubCommandSignRequest        SubCommand = 9
)

// ErrProtocolViolation is returned whenever an expected end-of-message
// boundary is missing, per spec §4.7 ("the framer enforces end-of-message
// boundaries; missing them is a hard protocol error").
var ErrProtocolViolation = errors.New("wire: protocol violation: missing end-of-message")

// eomMagic is written after each of a command frame's three fields
// (code, filename, payload) to let the reader detect truncated or
// misaligned frames deterministically instead of guessing from lengths.
const eomMagic uint32 = 0x454f4d31 // "EOM1"

// Duplex is the byte-oriented transport trait the state machines in C8/C9
// are driven through. It hides whether the underlying channel is
// encrypted, supports credential delegation, or is an in-process pipe used
// by tests (Design Note 9.4).
type Duplex interface {
	io.Reader
	io.Writer
}

// Frame is one decoded command frame.
type Frame struct {
	Code     Code
	Filename string
	Payload  []byte
}

// Framer encodes and decodes command frames over a Duplex.
type Framer struct {
	d Duplex
}

// New wraps d in a Framer.
func New(d Duplex) *Framer {
	return &Framer{d: d}
}

// WriteCommand emits one command frame: code, filename, payload, each
// terminated by an end-of-message marker (spec §4.7).
func (f *Framer) WriteCommand(code Code, filename string, payload []byte) error {
	if err := writeUint16(f.d, uint16(code)); err != nil {
		return err
	}
	if err := writeEOM(f.d); err != nil {
		return err
	}
	if err := writeString(f.d, filename); err != nil {
		return err
	}
	if err := writeEOM(f.d); err != nil {
		return err
	}
	if err := writeBytes(f.d, payload); err != nil {
		return err
	}
	return writeEOM(f.d)
}

// ReadCommand decodes one command frame, validating every end-of-message
// boundary.
func (f *Framer) ReadCommand() (Frame, error) {
	codeVal, err := readUint16(f.d)
	if err != nil {
		return Frame{}, err
	}
	if err := readEOM(f.d); err != nil {
		return Frame{}, err
	}

	filename, err := readString(f.d)
	if err != nil {
		return Frame{}, err
	}
	if err := readEOM(f.d); err != nil {
		return Frame{}, err
	}

	payload, err := readBytes(f.d)
	if err != nil {
		return Frame{}, err
	}
	if err := readEOM(f.d); err != nil {
		return Frame{}, err
	}

	return Frame{Code: Code(codeVal), Filename: filename, Payload: payload}, nil
}

// WriteSubCommand frames a 999 command whose payload is sub as a 4-byte
// big-endian integer followed by the attribute record's text form (spec
// §4.7).
func (f *Framer) WriteSubCommand(sub SubCommand, attrs *classad.Attrs) error {
	payload, err := encodeSubCommandPayload(sub, attrs)
	if err != nil {
		return err
	}
	return f.WriteCommand(CodeSubCommand, "", payload)
}

// ReadSubCommand decodes a 999 frame's payload into its sub-command number
// and attribute record.
func ReadSubCommand(frame Frame) (SubCommand, *classad.Attrs, error) {
	if frame.Code != CodeSubCommand {
		return 0, nil, fmt.Errorf("wire: frame is not a sub-command frame (code %d)", frame.Code)
	}
	return decodeSubCommandPayload(frame.Payload)
}

func encodeSubCommandPayload(sub SubCommand, attrs *classad.Attrs) ([]byte, error) {
	var buf []byte
	subHeader := make([]byte, 4)
	binary.BigEndian.PutUint32(subHeader, uint32(sub))
	buf = append(buf, subHeader...)

	var textBuf writeBuffer
	if attrs != nil {
		if _, err := attrs.WriteTo(&textBuf); err != nil {
			return nil, err
		}
	}
	buf = append(buf, textBuf.data...)
	return buf, nil
}

func decodeSubCommandPayload(payload []byte) (SubCommand, *classad.Attrs, error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("wire: sub-command payload too short")
	}
	sub := SubCommand(binary.BigEndian.Uint32(payload[:4]))

	attrs, err := classad.Parse(&readBufferFrom{data: payload[4:]})
	if err != nil && err != io.EOF {
		return 0, nil, err
	}
	if attrs == nil {
		attrs = classad.New()
	}
	return sub, attrs, nil
}

// writeBuffer is a minimal io.Writer accumulator, used to avoid pulling in
// bytes.Buffer purely for the attribute-record text form.
type writeBuffer struct {
	data []byte
}

func (w *writeBuffer) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

// readBufferFrom is a minimal io.Reader over a fixed byte slice.
type readBufferFrom struct {
	data []byte
	pos  int
}

func (r *readBufferFrom) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// FileChunkSize bounds how much plaintext is sealed under one nonce when
// streaming an encrypted file (spec §4.7's per-command encryption
// toggling applies to a whole file; chunking here is purely to avoid
// buffering an entire large file in memory).
const FileChunkSize = 1 << 20

// WriteFileStream streams size bytes from r onto d, encrypting each chunk
// under key when encrypt is true. It returns the number of plaintext bytes
// written.
func WriteFileStream(d Duplex, r io.Reader, size int64, encrypt bool, key []byte) (int64, error) {
	if err := writeUint64(d, uint64(size)); err != nil {
		return 0, err
	}

	var written int64
	buf := make([]byte, FileChunkSize)
	for written < size {
		want := int64(len(buf))
		if remain := size - written; remain < want {
			want = remain
		}
		n, err := io.ReadFull(r, buf[:want])
		if err != nil && err != io.ErrUnexpectedEOF {
			return written, err
		}
		chunk := buf[:n]

		if encrypt {
			ciphertext, nonce, err := cryptox.EncryptPayload(chunk, key)
			if err != nil {
				return written, err
			}
			if err := writeBytes(d, nonce); err != nil {
				return written, err
			}
			if err := writeBytes(d, ciphertext); err != nil {
				return written, err
			}
		} else {
			if err := writeBytes(d, chunk); err != nil {
				return written, err
			}
		}
		written += int64(n)
	}
	return written, nil
}

// ReadFileStream reads a stream written by WriteFileStream into w.
func ReadFileStream(d Duplex, w io.Writer, encrypt bool, key []byte) (int64, error) {
	size, err := readUint64(d)
	if err != nil {
		return 0, err
	}

	var received int64
	for received < int64(size) {
		if encrypt {
			nonce, err := readBytes(d)
			if err != nil {
				return received, err
			}
			ciphertext, err := readBytes(d)
			if err != nil {
				return received, err
			}
			plaintext, err := cryptox.DecryptPayload(ciphertext, nonce, key)
			if err != nil {
				return received, err
			}
			if _, err := w.Write(plaintext); err != nil {
				return received, err
			}
			received += int64(len(plaintext))
		} else {
			chunk, err := readBytes(d)
			if err != nil {
				return received, err
			}
			if _, err := w.Write(chunk); err != nil {
				return received, err
			}
			received += int64(len(chunk))
		}
	}
	return received, nil
}

func writeEOM(w io.Writer) error {
	return writeUint32(w, eomMagic)
}

func readEOM(r io.Reader) error {
	v, err := readUint32(r)
	if err != nil {
		return err
	}
	if v != eomMagic {
		return ErrProtocolViolation
	}
	return nil
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeBytes(w io.Writer, data []byte) error {
	if err := writeUint32(w, uint32(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
