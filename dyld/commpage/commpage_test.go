package commpage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	var f Flags
	f = f.WithForceCustomerCache(true).
		WithTestMode(true).
		WithLibPthreadRoot(true).
		WithBootVolumeWritable(true)

	require.True(t, f.ForceCustomerCache())
	require.True(t, f.TestMode())
	require.False(t, f.ForceDevCache())
	require.True(t, f.LibPthreadRoot())
	require.False(t, f.LibPlatformRoot())
	require.True(t, f.BootVolumeWritable())

	f = f.WithTestMode(false)
	require.False(t, f.TestMode())
	require.True(t, f.ForceCustomerCache()) // unrelated bits untouched
}

func TestAllBitsIndependent(t *testing.T) {
	setters := []func(Flags, bool) Flags{
		Flags.WithForceCustomerCache, Flags.WithTestMode, Flags.WithForceDevCache,
		Flags.WithEnableCompactInfo, Flags.WithForceRODataConst, Flags.WithForceRWDataConst,
		Flags.WithLibPlatformRoot, Flags.WithLibPthreadRoot, Flags.WithLibKernelRoot,
		Flags.WithBootVolumeWritable,
	}
	getters := []func(Flags) bool{
		Flags.ForceCustomerCache, Flags.TestMode, Flags.ForceDevCache,
		Flags.EnableCompactInfo, Flags.ForceRODataConst, Flags.ForceRWDataConst,
		Flags.LibPlatformRoot, Flags.LibPthreadRoot, Flags.LibKernelRoot,
		Flags.BootVolumeWritable,
	}
	for i := range setters {
		var f Flags
		f = setters[i](f, true)
		for j := range getters {
			if i == j {
				require.True(t, getters[j](f), "bit %d", i)
			} else {
				require.False(t, getters[j](f), "bit %d leaked into bit %d", i, j)
			}
		}
	}
}
