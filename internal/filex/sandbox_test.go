package filex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSafeJoin_Legal(t *testing.T) {
	got, err := SafeJoin("/sandbox/job1", "a/b.txt")
	require.NoError(t, err)
	require.Equal(t, "/sandbox/job1/a/b.txt", got)
}

func TestSafeJoin_RejectsAbsolute(t *testing.T) {
	_, err := SafeJoin("/sandbox/job1", "/etc/passwd")
	require.ErrorIs(t, err, ErrIllegalSandboxPath)
}

func TestSafeJoin_RejectsDotDotEscape(t *testing.T) {
	_, err := SafeJoin("/sandbox/job1", "../escape")
	require.ErrorIs(t, err, ErrIllegalSandboxPath)
}

func TestSafeJoin_RejectsNestedDotDotEscape(t *testing.T) {
	_, err := SafeJoin("/sandbox/job1", "a/../../escape")
	require.ErrorIs(t, err, ErrIllegalSandboxPath)
}

func TestSafeJoin_AllowsDotDotThatStaysInside(t *testing.T) {
	got, err := SafeJoin("/sandbox/job1", "a/../b.txt")
	require.NoError(t, err)
	require.Equal(t, "/sandbox/job1/b.txt", got)
}

func TestParseRemapList(t *testing.T) {
	m := ParseRemapList("a.txt=b.txt; c.txt=d.txt")
	require.Equal(t, "b.txt", m["a.txt"])
	require.Equal(t, "d.txt", m["c.txt"])
	require.Len(t, m, 2)
}

func TestApplyRemap_NoMatch(t *testing.T) {
	m := map[string]string{"a.txt": "b.txt"}
	require.Equal(t, "z.txt", ApplyRemap(m, "z.txt"))
	require.Equal(t, "b.txt", ApplyRemap(m, "a.txt"))
}
