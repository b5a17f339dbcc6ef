package wire

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/relayforge/internal/classad"
	"github.com/relayforge/relayforge/internal/cryptox"
)

// pipeDuplex adapts one end of a net.Pipe to the Duplex interface, giving
// the state machines an in-process transport for tests (Design Note 9.4).
func pipeDuplex(t *testing.T) (Duplex, Duplex) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestWriteReadCommand_RoundTrip(t *testing.T) {
	a, b := pipeDuplex(t)
	sender := New(a)
	receiver := New(b)

	done := make(chan error, 1)
	go func() {
		done <- sender.WriteCommand(CodeURL, "x.dat", []byte("http://example.com/x.dat"))
	}()

	frame, err := receiver.ReadCommand()
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Equal(t, CodeURL, frame.Code)
	require.Equal(t, "x.dat", frame.Filename)
	require.Equal(t, "http://example.com/x.dat", string(frame.Payload))
}

func TestWriteReadCommand_EmptyPayload(t *testing.T) {
	a, b := pipeDuplex(t)
	sender := New(a)
	receiver := New(b)

	done := make(chan error, 1)
	go func() { done <- sender.WriteCommand(CodeEndOfStream, "", nil) }()

	frame, err := receiver.ReadCommand()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, CodeEndOfStream, frame.Code)
	require.Empty(t, frame.Payload)
}

func TestSubCommandRoundTrip(t *testing.T) {
	a, b := pipeDuplex(t)
	sender := New(a)
	receiver := New(b)

	attrs := classad.New()
	attrs.SetString("TransferUrl", "s3://bucket/out/obj")
	attrs.SetBool("TransferSuccess", true)

	done := make(chan error, 1)
	go func() { done <- sender.WriteSubCommand(SubCommandSignRequest, attrs) }()

	frame, err := receiver.ReadCommand()
	require.NoError(t, err)
	require.NoError(t, <-done)

	sub, got, err := ReadSubCommand(frame)
	require.NoError(t, err)
	require.Equal(t, SubCommandSignRequest, sub)

	u, ok := got.GetString("TransferUrl")
	require.True(t, ok)
	require.Equal(t, "s3://bucket/out/obj", u)
}

func TestFileStream_PlaintextRoundTrip(t *testing.T) {
	a, b := pipeDuplex(t)

	content := bytes.Repeat([]byte("x"), FileChunkSize+37)

	done := make(chan error, 1)
	go func() {
		_, err := WriteFileStream(a, bytes.NewReader(content), int64(len(content)), false, nil)
		done <- err
	}()

	var out bytes.Buffer
	n, err := ReadFileStream(b, &out, false, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, int64(len(content)), n)
	require.Equal(t, content, out.Bytes())
}

func TestFileStream_EncryptedRoundTrip(t *testing.T) {
	a, b := pipeDuplex(t)

	key := cryptox.DeriveDelegationKey([]byte("passphrase"), []byte("salt-value"))
	content := []byte("secret sandbox content")

	done := make(chan error, 1)
	go func() {
		_, err := WriteFileStream(a, bytes.NewReader(content), int64(len(content)), true, key)
		done <- err
	}()

	var out bytes.Buffer
	n, err := ReadFileStream(b, &out, true, key)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, int64(len(content)), n)
	require.Equal(t, content, out.Bytes())
}

func TestReadCommand_ProtocolViolationOnMissingEOM(t *testing.T) {
	a, b := pipeDuplex(t)
	receiver := New(b)

	done := make(chan error, 1)
	go func() {
		// Write a code, then garbage instead of the EOM marker.
		if err := writeUint16(a, uint16(CodeEndOfStream)); err != nil {
			done <- err
			return
		}
		done <- writeUint32(a, 0xdeadbeef)
	}()

	_, err := receiver.ReadCommand()
	require.NoError(t, <-done)
	require.ErrorIs(t, err, ErrProtocolViolation)
}
