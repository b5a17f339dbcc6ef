package classad

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttrs_SetGetString(t *testing.T) {
	a := New()
	a.SetString("TransferUrl", "https://example.com/f")
	v, ok := a.GetString("TransferUrl")
	require.True(t, ok)
	require.Equal(t, "https://example.com/f", v)

	_, ok = a.GetString("Missing")
	require.False(t, ok)
}

func TestAttrs_SetGetInt(t *testing.T) {
	a := New()
	a.SetInt("TransferFileBytes", 4096)
	v, ok := a.GetInt("TransferFileBytes")
	require.True(t, ok)
	require.Equal(t, int64(4096), v)
}

func TestAttrs_SetGetBool(t *testing.T) {
	a := New()
	a.SetBool("TransferSuccess", true)
	v, ok := a.GetBool("TransferSuccess")
	require.True(t, ok)
	require.True(t, v)
}

func TestAttrs_SetGetStringList(t *testing.T) {
	a := New()
	a.SetStringList("SupportedMethods", []string{"http", "https"})
	v, ok := a.GetStringList("SupportedMethods")
	require.True(t, ok)
	require.Equal(t, []string{"http", "https"}, v)
}

func TestAttrs_WrongTypeAccessorFails(t *testing.T) {
	a := New()
	a.SetString("X", "y")
	_, ok := a.GetInt("X")
	require.False(t, ok)
}

func TestAttrs_WriteAndParseRoundTrip(t *testing.T) {
	a := New()
	a.SetString("TransferUrl", `https://example.com/f?x="y"`)
	a.SetInt("TransferFileBytes", 128)
	a.SetBool("TransferSuccess", true)

	var buf bytes.Buffer
	_, err := a.WriteTo(&buf)
	require.NoError(t, err)

	back, err := Parse(&buf)
	require.NoError(t, err)

	u, ok := back.GetString("TransferUrl")
	require.True(t, ok)
	require.Equal(t, `https://example.com/f?x="y"`, u)

	n, ok := back.GetInt("TransferFileBytes")
	require.True(t, ok)
	require.Equal(t, int64(128), n)

	s, ok := back.GetBool("TransferSuccess")
	require.True(t, ok)
	require.True(t, s)
}

func TestAttrs_WriteAndParseRoundTrip_StringList(t *testing.T) {
	a := New()
	a.SetStringList("FileNames", []string{"a.txt", "b, with comma.txt", `c "quoted".txt`})
	a.SetString("Tag", "owner-1")

	var buf bytes.Buffer
	_, err := a.WriteTo(&buf)
	require.NoError(t, err)

	back, err := Parse(&buf)
	require.NoError(t, err)

	list, ok := back.GetStringList("FileNames")
	require.True(t, ok)
	require.Equal(t, []string{"a.txt", "b, with comma.txt", `c "quoted".txt`}, list)

	tag, ok := back.GetString("Tag")
	require.True(t, ok)
	require.Equal(t, "owner-1", tag)
}

func TestAttrs_WriteAndParseRoundTrip_EmptyStringList(t *testing.T) {
	a := New()
	a.SetStringList("SignedUrls", []string{})

	var buf bytes.Buffer
	_, err := a.WriteTo(&buf)
	require.NoError(t, err)

	back, err := Parse(&buf)
	require.NoError(t, err)

	list, ok := back.GetStringList("SignedUrls")
	require.True(t, ok)
	require.Empty(t, list)
}

func TestParseAll_MultipleRecords(t *testing.T) {
	text := "TransferUrl = \"a\"\nTransferSuccess = true\n\nTransferUrl = \"b\"\nTransferSuccess = false\n"
	records, err := ParseAll(strings.NewReader(text))
	require.NoError(t, err)
	require.Len(t, records, 2)

	u0, _ := records[0].GetString("TransferUrl")
	require.Equal(t, "a", u0)
	u1, _ := records[1].GetString("TransferUrl")
	require.Equal(t, "b", u1)
}

func TestParse_MalformedLine(t *testing.T) {
	_, err := Parse(strings.NewReader("NotAnAssignment\n"))
	require.Error(t, err)
}

func TestParse_EmptyInputIsEOF(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	require.Error(t, err)
}

func TestFromProto_NilYieldsEmpty(t *testing.T) {
	a := FromProto(nil)
	require.Empty(t, a.Keys())
}

func TestKeys_SortedOrder(t *testing.T) {
	a := New()
	a.SetString("Zeta", "1")
	a.SetString("Alpha", "2")
	require.Equal(t, []string{"Alpha", "Zeta"}, a.Keys())
}
