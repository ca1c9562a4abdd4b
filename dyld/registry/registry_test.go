package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-dyld/dyld/loader"
	"github.com/blacktop/go-dyld/dyld/registry"
	"github.com/blacktop/go-dyld/dyld/syscall"
)

func newImage(path string, ino uint64) *loader.Image {
	return &loader.Image{
		Kind:          loader.KindOnDisk,
		State:         loader.StateCreated,
		CanonicalPath: path,
		FileID:        syscall.FileID{Inode: ino, Valid: true},
	}
}

func TestAddAssignsSelfRefInInsertionOrder(t *testing.T) {
	r := registry.New()

	main := newImage("/bin/app", 1)
	dep := newImage("/usr/lib/libSystem.B.dylib", 2)
	require.NoError(t, r.Add(main))
	require.NoError(t, r.Add(dep))

	assert.Equal(t, loader.ImageRef(0), main.SelfRef)
	assert.Equal(t, loader.ImageRef(1), dep.SelfRef)
	assert.Equal(t, 2, r.Len())
}

func TestAddRejectsDuplicatePath(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Add(newImage("/bin/app", 1)))
	err := r.Add(newImage("/bin/app", 2))
	assert.Error(t, err)
}

func TestAddRejectsDuplicateIdentity(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Add(newImage("/bin/app", 1)))
	err := r.Add(newImage("/bin/app-symlink", 1))
	assert.Error(t, err)
}

func TestFindByPathAndInstallName(t *testing.T) {
	r := registry.New()
	img := newImage("/usr/lib/libFoo.dylib", 1)
	img.AltInstallName = "@rpath/libFoo.dylib"
	img.AltInstallNameOK = true
	require.NoError(t, r.Add(img))

	found, ok := r.Find("/usr/lib/libFoo.dylib")
	require.True(t, ok)
	assert.Same(t, img, found)

	found, ok = r.Find("@rpath/libFoo.dylib")
	require.True(t, ok)
	assert.Same(t, img, found)

	_, ok = r.Find("/nope")
	assert.False(t, ok)
}

func TestFindByIdentity(t *testing.T) {
	r := registry.New()
	img := newImage("/bin/app", 42)
	require.NoError(t, r.Add(img))

	found, ok := r.FindByIdentity(syscall.FileID{Inode: 42, Valid: true})
	require.True(t, ok)
	assert.Same(t, img, found)

	_, ok = r.FindByIdentity(syscall.FileID{Valid: false})
	assert.False(t, ok)
}

func TestHasOverriddenCachedDylibSticksAfterFirstOverride(t *testing.T) {
	r := registry.New()
	assert.False(t, r.HasOverriddenCachedDylib())

	require.NoError(t, r.Add(newImage("/bin/app", 1)))
	assert.False(t, r.HasOverriddenCachedDylib())

	override := newImage("/usr/lib/libFoo.dylib", 2)
	override.OverridesCache = true
	require.NoError(t, r.Add(override))
	assert.True(t, r.HasOverriddenCachedDylib())

	require.NoError(t, r.Add(newImage("/usr/lib/libBar.dylib", 3)))
	assert.True(t, r.HasOverriddenCachedDylib())
}

func TestForEachStopsEarly(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Add(newImage("/a", 1)))
	require.NoError(t, r.Add(newImage("/b", 2)))
	require.NoError(t, r.Add(newImage("/c", 3)))

	var seen []string
	r.ForEach(func(img *loader.Image) bool {
		seen = append(seen, img.CanonicalPath)
		return len(seen) < 2
	})
	assert.Equal(t, []string{"/a", "/b"}, seen)
}

func TestPathsDeduplicates(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Add(newImage("/a", 1)))
	require.NoError(t, r.Add(newImage("/b", 2)))
	assert.ElementsMatch(t, []string{"/a", "/b"}, r.Paths())
}
