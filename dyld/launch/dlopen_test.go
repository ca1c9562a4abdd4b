package launch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-dyld/dyld/internal/lock"
	"github.com/blacktop/go-dyld/dyld/loader"
	"github.com/blacktop/go-dyld/dyld/registry"
)

func addImage(t *testing.T, reg *registry.Registry, path string, neverUnload bool) *loader.Image {
	t.Helper()
	img := &loader.Image{
		Kind:          loader.KindOnDisk,
		State:         loader.StateCreated,
		CanonicalPath: path,
		NeverUnload:   neverUnload,
	}
	require.NoError(t, reg.Add(img))
	return img
}

func newTestResult() (*Result, *registry.Registry) {
	reg := registry.New()
	return &Result{
		Registry: reg,
		Lock:     lock.New(),
		Images:   NewAllImageInfos(),
	}, reg
}

func TestDlopenLockedReturnsExistingLiveImage(t *testing.T) {
	r, reg := newTestResult()
	existing := addImage(t, reg, "/usr/lib/libFoo.dylib", false)

	got, err := r.dlopenLocked("/usr/lib/libFoo.dylib")
	require.NoError(t, err)
	assert.Same(t, existing, got)
}

func TestDlopenLockedResurrectsPreviouslyClosedImageAndItsDeps(t *testing.T) {
	r, reg := newTestResult()
	leaf := addImage(t, reg, "/usr/lib/libLeaf.dylib", false)
	mid := addImage(t, reg, "/usr/lib/libMid.dylib", false)
	mid.Deps = []loader.DependencyEdge{{Kind: loader.EdgeNormal, Child: leaf.SelfRef}}
	leaf.Unloaded = true
	mid.Unloaded = true

	got, err := r.dlopenLocked("/usr/lib/libMid.dylib")
	require.NoError(t, err)
	assert.Same(t, mid, got)
	assert.False(t, mid.Unloaded)
	assert.False(t, leaf.Unloaded, "resurrecting a dependent must resurrect its dependencies too")
}

func TestUnwindFromMarksOnlyNewlyAddedImages(t *testing.T) {
	r, reg := newTestResult()
	addImage(t, reg, "/bin/app", true)
	fresh1 := addImage(t, reg, "/usr/lib/libA.dylib", false)
	fresh2 := addImage(t, reg, "/usr/lib/libB.dylib", false)

	before := 1
	r.unwindFrom(before)

	assert.True(t, fresh1.Unloaded)
	assert.True(t, fresh2.Unloaded)
	main, _ := reg.Find("/bin/app")
	assert.False(t, main.Unloaded)
}

func TestUnwindFromSparesNeverUnloadImages(t *testing.T) {
	r, reg := newTestResult()
	pinned := addImage(t, reg, "/usr/lib/libPinned.dylib", true)

	r.unwindFrom(0)

	assert.False(t, pinned.Unloaded)
}

func TestDlcloseRejectsNotLoadedOrAlreadyUnloaded(t *testing.T) {
	r, reg := newTestResult()
	err := r.Dlclose("/nope")
	assert.Error(t, err)

	closed := addImage(t, reg, "/usr/lib/libClosed.dylib", false)
	closed.Unloaded = true
	err = r.Dlclose("/usr/lib/libClosed.dylib")
	assert.Error(t, err)
}

func TestDlcloseUnloadsTransitivelyWhenRefcountDrops(t *testing.T) {
	r, reg := newTestResult()
	leaf := addImage(t, reg, "/usr/lib/libLeaf.dylib", false)
	mid := addImage(t, reg, "/usr/lib/libMid.dylib", false)
	mid.Deps = []loader.DependencyEdge{{Kind: loader.EdgeNormal, Child: leaf.SelfRef}}

	require.NoError(t, r.Dlclose("/usr/lib/libMid.dylib"))

	assert.True(t, mid.Unloaded)
	assert.True(t, leaf.Unloaded, "leaf loses its only referent and must unload too")
}

func TestDlcloseKeepsSharedDependencyAlive(t *testing.T) {
	r, reg := newTestResult()
	shared := addImage(t, reg, "/usr/lib/libShared.dylib", false)
	a := addImage(t, reg, "/usr/lib/libA.dylib", false)
	b := addImage(t, reg, "/usr/lib/libB.dylib", false)
	a.Deps = []loader.DependencyEdge{{Kind: loader.EdgeNormal, Child: shared.SelfRef}}
	b.Deps = []loader.DependencyEdge{{Kind: loader.EdgeNormal, Child: shared.SelfRef}}

	require.NoError(t, r.Dlclose("/usr/lib/libA.dylib"))

	assert.True(t, a.Unloaded)
	assert.False(t, shared.Unloaded, "libB still references the shared dependency")
}

func TestDlcloseIsNoopForNeverUnload(t *testing.T) {
	r, reg := newTestResult()
	pinned := addImage(t, reg, "/bin/app", true)

	require.NoError(t, r.Dlclose("/bin/app"))
	assert.False(t, pinned.Unloaded)
}

func TestAllImageInfosSyncReflectsRegistryAndBumpsEpoch(t *testing.T) {
	r, reg := newTestResult()
	addImage(t, reg, "/bin/app", true)

	before := r.Images.Epoch()
	r.Images.Sync(reg)
	after := r.Images.Epoch()

	assert.Greater(t, after, before)
	snap := r.Images.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "/bin/app", snap[0].Path)
}
