package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	macho "github.com/blacktop/go-dyld"
	"github.com/blacktop/go-dyld/dyld/pathoverrides"
	"github.com/blacktop/go-dyld/dyld/procconfig"
	"github.com/blacktop/go-dyld/dyld/registry"
	"github.com/blacktop/go-dyld/dyld/sharedcache"
	"github.com/blacktop/go-dyld/dyld/syscall"
)

func testEnv(delegate syscall.Delegate, cache *sharedcache.Cache) *Env {
	return &Env{
		Delegate:  delegate,
		Overrides: pathoverrides.New(&procconfig.Process{}, &procconfig.Security{}, nil),
		Cache:     cache,
		Platform:  procconfig.PlatformMacOS,
	}
}

func cacheWith(t *testing.T, delegate *syscall.FakeDelegate, paths ...string) *sharedcache.Cache {
	t.Helper()
	delegate.SetSharedCache(syscall.CacheRawInfo{
		Path:       "/System/Library/dyld/dyld_shared_cache_arm64e",
		DylibPaths: paths,
	})
	c, err := sharedcache.Load(delegate, syscall.CacheOptions{})
	require.NoError(t, err)
	return c
}

func TestCreateMainExecutableRegistersRootImage(t *testing.T) {
	delegate := syscall.NewFakeDelegate()
	require.NoError(t, delegate.WriteFile("/bin/app", []byte("ignored"), 1))
	reg := registry.New()
	env := testEnv(delegate, nil)

	f := &macho.File{}
	img, err := CreateMainExecutable(reg, env, "/bin/app", f)
	require.NoError(t, err)
	assert.Equal(t, KindOnDisk, img.Kind)
	assert.Equal(t, StateCreated, img.State)
	assert.True(t, img.NeverUnload)
	assert.True(t, img.AllDepsAreNormal)
	assert.False(t, img.MayHavePlusLoad, "a __DATA-less stub file has no +load method")
}

func TestCreateMainExecutableCarriesPlusLoadSignal(t *testing.T) {
	delegate := syscall.NewFakeDelegate()
	require.NoError(t, delegate.WriteFile("/bin/app", []byte("ignored"), 1))
	reg := registry.New()
	env := testEnv(delegate, nil)

	f := &macho.File{FileTOC: macho.FileTOC{
		Loads: []macho.Load{
			&macho.Segment{SegmentHeader: macho.SegmentHeader{Name: "__DATA"}},
		},
		Sections: []*macho.Section{
			{SectionHeader: macho.SectionHeader{Name: "__objc_nlclslist", Seg: "__DATA"}},
		},
	}}
	img, err := CreateMainExecutable(reg, env, "/bin/app", f)
	require.NoError(t, err)
	assert.True(t, img.MayHavePlusLoad, "an __objc_nlclslist section means the image has a +load method")
}

func TestLoadAllResolvesCacheResidentDependencyWithoutExpandingIt(t *testing.T) {
	delegate := syscall.NewFakeDelegate()
	cache := cacheWith(t, delegate, "/usr/lib/libSystem.B.dylib")
	reg := registry.New()
	env := testEnv(delegate, cache)

	root := &macho.File{FileTOC: macho.FileTOC{Loads: []macho.Load{
		&macho.Dylib{Name: "/usr/lib/libSystem.B.dylib"},
	}}}
	rootImg, err := CreateMainExecutable(reg, env, "/bin/app", root)
	require.NoError(t, err)

	require.NoError(t, LoadAll(reg, env, rootImg, root))

	require.Len(t, rootImg.Deps, 1)
	dep, ok := reg.Find("/usr/lib/libSystem.B.dylib")
	require.True(t, ok)
	assert.Equal(t, KindCacheResident, dep.Kind)
	assert.Equal(t, StateDepsSet, dep.State, "cache-resident children skip straight to DepsSet")
	assert.Equal(t, StateDepsSet, rootImg.State)
}

func TestLoadAllRecordsMissingWeakDependencyWithoutFailing(t *testing.T) {
	delegate := syscall.NewFakeDelegate()
	reg := registry.New()
	env := testEnv(delegate, nil)

	root := &macho.File{FileTOC: macho.FileTOC{Loads: []macho.Load{
		&macho.WeakDylib{Name: "/usr/lib/libOptional.dylib"},
	}}}
	rootImg, err := CreateMainExecutable(reg, env, "/bin/app", root)
	require.NoError(t, err)

	require.NoError(t, LoadAll(reg, env, rootImg, root))

	require.Len(t, rootImg.Deps, 1)
	assert.True(t, rootImg.Deps[0].Missing)
	assert.Equal(t, NoRef, rootImg.Deps[0].Child)
}

func TestLoadAllFailsOnMissingRequiredDependency(t *testing.T) {
	delegate := syscall.NewFakeDelegate()
	reg := registry.New()
	env := testEnv(delegate, nil)

	root := &macho.File{FileTOC: macho.FileTOC{Loads: []macho.Load{
		&macho.Dylib{Name: "/usr/lib/libRequired.dylib"},
	}}}
	rootImg, err := CreateMainExecutable(reg, env, "/bin/app", root)
	require.NoError(t, err)

	err = LoadAll(reg, env, rootImg, root)
	assert.Error(t, err)
}

func TestLoadAllMarksNonNormalDependencyOnParent(t *testing.T) {
	delegate := syscall.NewFakeDelegate()
	cache := cacheWith(t, delegate, "/usr/lib/libReexported.dylib")
	reg := registry.New()
	env := testEnv(delegate, cache)

	root := &macho.File{FileTOC: macho.FileTOC{Loads: []macho.Load{
		&macho.ReExportDylib{Name: "/usr/lib/libReexported.dylib"},
	}}}
	rootImg, err := CreateMainExecutable(reg, env, "/bin/app", root)
	require.NoError(t, err)

	require.NoError(t, LoadAll(reg, env, rootImg, root))
	assert.False(t, rootImg.AllDepsAreNormal)
	assert.Equal(t, EdgeReexport, rootImg.Deps[0].Kind)
}
