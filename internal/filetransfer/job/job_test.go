package job

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/relayforge/internal/classad"
)

func baseAttrs() *classad.Attrs {
	a := classad.New()
	a.SetString(AttrIwd, "/sandbox/job1")
	a.SetInt(AttrClusterId, 42)
	a.SetInt(AttrProcId, 0)
	a.SetString(AttrOwner, "alice")
	return a
}

func TestFromAttrs_MissingRequired(t *testing.T) {
	a := classad.New()
	a.SetString(AttrIwd, "/sandbox/job1")
	_, err := FromAttrs(a)
	require.Error(t, err)
}

func TestFromAttrs_Minimal(t *testing.T) {
	j, err := FromAttrs(baseAttrs())
	require.NoError(t, err)
	require.Equal(t, "/sandbox/job1", j.Iwd)
	require.Equal(t, int64(42), j.ClusterId)
	require.Equal(t, "alice", j.Owner)
	require.Equal(t, "42.0", j.Key())
}

func TestFromAttrs_EncryptOverrides(t *testing.T) {
	a := baseAttrs()
	a.SetStringList(AttrTransferInputFiles, []string{"a.txt", "b.txt"})
	a.SetStringList(AttrEncryptInputFiles, []string{"a.txt", "b.txt"})
	a.SetStringList(AttrDontEncryptInputFiles, []string{"b.txt"})

	j, err := FromAttrs(a)
	require.NoError(t, err)
	require.True(t, j.ShouldEncryptInput("a.txt"))
	require.False(t, j.ShouldEncryptInput("b.txt"))
	require.False(t, j.ShouldEncryptInput("c.txt"))
}

func TestFromAttrs_OutputRemaps(t *testing.T) {
	a := baseAttrs()
	a.SetString(AttrTransferOutputRemaps, "a.txt=renamed.txt; b.txt = c.txt")

	j, err := FromAttrs(a)
	require.NoError(t, err)
	require.Equal(t, "renamed.txt", j.OutputRemaps["a.txt"])
	require.Equal(t, "c.txt", j.OutputRemaps["b.txt"])
}

func TestFromAttrs_MaxTransferBytes(t *testing.T) {
	a := baseAttrs()
	a.SetInt(AttrMaxTransferInputMB, 10)
	j, err := FromAttrs(a)
	require.NoError(t, err)
	require.Equal(t, int64(10*1024*1024), j.MaxTransferInputBytes)
}
