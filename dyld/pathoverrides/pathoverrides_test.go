package pathoverrides

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-dyld/dyld/procconfig"
)

func allowAllSecurity() *procconfig.Security {
	return &procconfig.Security{AllowEnvVarsPath: true, AllowClassicFallbackPaths: true}
}

func TestGetLibraryLeafName(t *testing.T) {
	require.Equal(t, "libfoo.dylib", GetLibraryLeafName("/usr/lib/libfoo.dylib"))
	require.Equal(t, "libfoo.dylib", GetLibraryLeafName("libfoo.dylib"))
}

func TestAddSuffix(t *testing.T) {
	require.Equal(t, "/path/foo_debug.dylib", addSuffix("/path/foo.dylib", "_debug"))
	require.Equal(t, "foo_debug.dylib", addSuffix("foo.dylib", "_debug"))
	require.Equal(t, "/path/bar_debug", addSuffix("/path/bar", "_debug"))
	require.Equal(t, "/path/bar.A_debug.dylib", addSuffix("/path/bar.A.dylib", "_debug"))
}

func TestGetFrameworkPartialPath(t *testing.T) {
	p, ok := getFrameworkPartialPath("/path/Foo.framework/Foo")
	require.True(t, ok)
	require.Equal(t, "Foo.framework/Foo", p)

	p, ok = getFrameworkPartialPath("/path/Foo.framework/Versions/A/Foo")
	require.True(t, ok)
	require.Equal(t, "Foo.framework/Versions/A/Foo", p)

	_, ok = getFrameworkPartialPath("/path/Foo.framework/Libraries/bar.dylib")
	require.False(t, ok)

	_, ok = getFrameworkPartialPath("/usr/lib/libfoo.dylib")
	require.False(t, ok)
}

func TestNewParsesLibraryPathEnvVar(t *testing.T) {
	process := &procconfig.Process{Envp: []string{"DYLD_LIBRARY_PATH=/opt/lib:/opt/lib2"}}
	o := New(process, allowAllSecurity(), nil)

	var seen []string
	o.ForEachPathVariant("/usr/lib/libfoo.dylib", procconfig.PlatformMacOS, false, func(path string, t Type) bool {
		seen = append(seen, path)
		return true
	})
	require.Contains(t, seen, "/opt/lib/libfoo.dylib")
	require.Contains(t, seen, "/opt/lib2/libfoo.dylib")
	require.Contains(t, seen, "/usr/lib/libfoo.dylib")
}

func TestForEachPathVariantStopsEarly(t *testing.T) {
	process := &procconfig.Process{Envp: []string{"DYLD_LIBRARY_PATH=/opt/lib"}}
	o := New(process, allowAllSecurity(), nil)

	var seen []string
	o.ForEachPathVariant("/usr/lib/libfoo.dylib", procconfig.PlatformMacOS, false, func(path string, t Type) bool {
		seen = append(seen, path)
		return false
	})
	require.Equal(t, []string{"/opt/lib/libfoo.dylib"}, seen)
}

func TestVersionedOverrideWins(t *testing.T) {
	process := &procconfig.Process{}
	o := New(process, allowAllSecurity(), nil)
	o.AddVersionedOverride("/usr/lib/libfoo.dylib", "/opt/newer/libfoo.dylib")

	var seen []Type
	var paths []string
	o.ForEachPathVariant("/usr/lib/libfoo.dylib", procconfig.PlatformMacOS, false, func(path string, t Type) bool {
		seen = append(seen, t)
		paths = append(paths, path)
		return true
	})
	require.Equal(t, []Type{TypeVersionedOverride}, seen)
	require.Equal(t, []string{"/opt/newer/libfoo.dylib"}, paths)
}

func TestInsertedDylibs(t *testing.T) {
	process := &procconfig.Process{Envp: []string{"DYLD_INSERT_LIBRARIES=/tmp/a.dylib:/tmp/b.dylib"}}
	o := New(process, allowAllSecurity(), nil)

	require.True(t, o.HasInsertedDylibs())
	require.Equal(t, 2, o.InsertedDylibCount())

	var got []string
	o.ForEachInsertedDylib(func(path string) bool {
		got = append(got, path)
		return true
	})
	require.Equal(t, []string{"/tmp/a.dylib", "/tmp/b.dylib"}, got)
}

func TestDontUsePrebuiltForApp(t *testing.T) {
	o := New(&procconfig.Process{}, allowAllSecurity(), nil)
	require.False(t, o.DontUsePrebuiltForApp())

	process := &procconfig.Process{Envp: []string{"DYLD_LIBRARY_PATH=/opt/lib"}}
	o2 := New(process, allowAllSecurity(), nil)
	require.True(t, o2.DontUsePrebuiltForApp())
}

func TestExecutablePathExpansionInLCDyldEnv(t *testing.T) {
	process := &procconfig.Process{MainExecutablePath: "/Applications/App.app/Contents/MacOS/App"}
	security := &procconfig.Security{AllowAtPaths: true}
	o := New(process, security, []string{"DYLD_LIBRARY_PATH=@executable_path/../Frameworks"})

	var seen []string
	o.ForEachPathVariant("/usr/lib/libfoo.dylib", procconfig.PlatformMacOS, false, func(path string, t Type) bool {
		seen = append(seen, path)
		return true
	})
	require.Contains(t, seen, "/Applications/App.app/Contents/MacOS/../Frameworks/libfoo.dylib")
}

func TestAtPathDroppedWithoutAllowAtPaths(t *testing.T) {
	process := &procconfig.Process{MainExecutablePath: "/Applications/App.app/Contents/MacOS/App"}
	security := &procconfig.Security{AllowAtPaths: false}
	o := New(process, security, []string{"DYLD_LIBRARY_PATH=@executable_path/../Frameworks"})
	require.Empty(t, o.dylibPathOverridesExeLC)
}

func TestSimRootPathOnlyForSimulatorPlatform(t *testing.T) {
	process := &procconfig.Process{Envp: []string{"DYLD_ROOT_PATH=/sim/root"}, Platform: procconfig.PlatformMacOS}
	o := New(process, allowAllSecurity(), nil)
	require.Empty(t, o.SimRootPath())

	process2 := &procconfig.Process{Envp: []string{"DYLD_ROOT_PATH=/sim/root"}, Platform: procconfig.PlatformIOSSimulator}
	o2 := New(process2, allowAllSecurity(), nil)
	require.Equal(t, "/sim/root", o2.SimRootPath())
}
