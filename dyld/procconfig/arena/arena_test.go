package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStrdupIndependentCopies(t *testing.T) {
	a := New(16)
	s1 := a.Strdup("/usr/lib/dyld")
	s2 := a.Strdup("/bin/app")
	require.Equal(t, "/usr/lib/dyld", s1)
	require.Equal(t, "/bin/app", s2)
}

func TestAllocZeroed(t *testing.T) {
	a := New(4)
	b := a.Alloc(8)
	require.Len(t, b, 8)
	for _, c := range b {
		require.Zero(t, c)
	}
}

func TestSealBlocksFurtherAllocation(t *testing.T) {
	a := New(8)
	a.Strdup("x")
	a.Seal()
	require.True(t, a.Sealed())
	require.Panics(t, func() { a.Strdup("y") })
	require.Panics(t, func() { a.Alloc(1) })
}

func TestGrowsPastInitialCapacity(t *testing.T) {
	a := New(1)
	long := "this string is longer than the initial one-byte capacity"
	require.Equal(t, long, a.Strdup(long))
}
