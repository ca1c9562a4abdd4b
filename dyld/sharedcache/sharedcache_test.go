package sharedcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-dyld/dyld/commpage"
	"github.com/blacktop/go-dyld/dyld/procconfig"
	"github.com/blacktop/go-dyld/dyld/syscall"
)

func sampleRaw() syscall.CacheRawInfo {
	return syscall.CacheRawInfo{
		Path:       "/System/Library/dyld/dyld_shared_cache_arm64e",
		DylibPaths: []string{"/usr/lib/libSystem.B.dylib", "/usr/lib/libobjc.A.dylib"},
		PatchableExports: map[uint32][]syscall.PatchableExport{
			0: {{VMOffsetOfImpl: 0x1000, ExportName: "_malloc"}},
		},
		PatchableUses: map[uint32]map[uint64][]syscall.PatchableUse{
			0: {0x1000: {{UseVMOffset: 0x5000}, {UseVMOffset: 0x6000}}},
		},
		ConstDataRegions: []syscall.ByteRange{{Start: 0x2000, End: 0x3000}},
		DylibUUIDs: map[uint32][16]byte{
			0: {1, 2, 3},
		},
		IsCustomer: true,
		Platform:   uint32(procconfig.PlatformMacOS),
	}
}

func TestIndexOfPathAndImageAt(t *testing.T) {
	c := newFromRaw(sampleRaw())

	idx, ok := c.IndexOfPath("/usr/lib/libobjc.A.dylib")
	require.True(t, ok)
	require.Equal(t, uint32(1), idx)

	path, ok := c.ImageAt(1)
	require.True(t, ok)
	require.Equal(t, "/usr/lib/libobjc.A.dylib", path)

	_, ok = c.ImageAt(99)
	require.False(t, ok)
}

func TestForEachPatchableExport(t *testing.T) {
	c := newFromRaw(sampleRaw())

	var got []syscall.PatchableExport
	c.ForEachPatchableExport(0, func(e syscall.PatchableExport) bool {
		got = append(got, e)
		return true
	})
	require.Equal(t, []syscall.PatchableExport{{VMOffsetOfImpl: 0x1000, ExportName: "_malloc"}}, got)
}

func TestForEachPatchableUseOfExportStopsEarly(t *testing.T) {
	c := newFromRaw(sampleRaw())

	var got []uint64
	c.ForEachPatchableUseOfExport(0, 0x1000, func(u syscall.PatchableUse) bool {
		got = append(got, u.UseVMOffset)
		return false
	})
	require.Equal(t, []uint64{0x5000}, got)
}

func TestMakeDataConstWritableTracksState(t *testing.T) {
	c := newFromRaw(sampleRaw())
	d := syscall.NewFakeDelegate()

	require.False(t, c.Writable())
	require.NoError(t, c.MakeDataConstWritable(d, nil, true))
	require.True(t, c.Writable())
	require.NoError(t, c.MakeDataConstWritable(d, nil, false))
	require.False(t, c.Writable())
}

func TestAssertWindowClosedPanicsWhileWritable(t *testing.T) {
	c := newFromRaw(sampleRaw())
	d := syscall.NewFakeDelegate()

	var nilCache *Cache
	require.NotPanics(t, func() { nilCache.AssertWindowClosed("Launch") })

	require.NotPanics(t, func() { c.AssertWindowClosed("Launch") })

	require.NoError(t, c.MakeDataConstWritable(d, nil, true))
	require.Panics(t, func() { c.AssertWindowClosed("Launch") })

	require.NoError(t, c.MakeDataConstWritable(d, nil, false))
	require.NotPanics(t, func() { c.AssertWindowClosed("Launch") })
}

func TestUUIDOfFileMatchesDyldCache(t *testing.T) {
	c := newFromRaw(sampleRaw())

	require.True(t, c.UUIDOfFileMatchesDyldCache(0, [16]byte{1, 2, 3}))
	require.False(t, c.UUIDOfFileMatchesDyldCache(0, [16]byte{9, 9, 9}))
	require.False(t, c.UUIDOfFileMatchesDyldCache(1, [16]byte{}), "no UUID recorded for index 1")
}

func TestSetupCommPageFlagsRootOverrides(t *testing.T) {
	c := newFromRaw(sampleRaw())

	base := commpage.Flags(0).WithBootVolumeWritable(true)
	flags := c.SetupCommPage(base,
		RootCheck{CacheIndex: 0, OnDiskUUID: [16]byte{1, 2, 3}, HasRoot: true}, // matches cache, not a root
		RootCheck{},
		RootCheck{CacheIndex: 0, OnDiskUUID: [16]byte{0xff}, HasRoot: true}, // diverges, is a root
	)

	require.True(t, flags.ForceCustomerCache())
	require.False(t, flags.ForceDevCache())
	require.False(t, flags.LibPlatformRoot())
	require.False(t, flags.LibPthreadRoot())
	require.True(t, flags.LibKernelRoot())
	require.True(t, flags.BootVolumeWritable())
}

func TestMatchesProcessPlatform(t *testing.T) {
	c := newFromRaw(sampleRaw())

	require.True(t, c.MatchesProcessPlatform(&procconfig.Process{Platform: procconfig.PlatformMacOS}))
	require.False(t, c.MatchesProcessPlatform(&procconfig.Process{Platform: procconfig.PlatformIOS}))
}

func TestBuildOptionsBootArgPrecedence(t *testing.T) {
	process := &procconfig.Process{}
	security := &procconfig.Security{InternalInstall: true}

	// No boot-arg, no pid1: falls back to security's InternalInstall, which
	// means "do not prefer customer" (internal installs default to dev).
	opts := BuildOptions(process, security, SelectOptions{})
	require.False(t, opts.PreferCustomer)
	require.False(t, opts.ForceDev)

	// pid 1 always prefers customer absent an explicit boot-arg.
	opts = BuildOptions(process, security, SelectOptions{Pid1: true})
	require.True(t, opts.PreferCustomer)

	// An explicit force-dev boot-arg overrides even the pid1 special case.
	opts = BuildOptions(process, security, SelectOptions{
		Pid1: true, HasBootArg: true, DyldFlagsBootArg: dyldFlagForceDevCache,
	})
	require.False(t, opts.PreferCustomer)
	require.True(t, opts.ForceDev)
}

func TestOptionsFromProcessParsesBootArgFromApple(t *testing.T) {
	process := &procconfig.Process{Apple: []string{"dyld_flags=0x4"}}
	security := &procconfig.Security{}

	opts := OptionsFromProcess(process, security)
	require.True(t, opts.PreferCustomer)
	require.False(t, opts.ForceDev)
}

func TestLoadReturnsErrorWithoutConfiguredCache(t *testing.T) {
	d := syscall.NewFakeDelegate()
	_, err := Load(d, syscall.CacheOptions{})
	require.Error(t, err)
}

func TestLoadWiresDelegateCache(t *testing.T) {
	d := syscall.NewFakeDelegate()
	d.SetSharedCache(sampleRaw())

	c, err := Load(d, syscall.CacheOptions{})
	require.NoError(t, err)
	require.Equal(t, uint32(2), c.DylibCount())
	require.Equal(t, "/System/Library/dyld/dyld_shared_cache_arm64e", c.Path())
}
