package fixup

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-dyld/dyld/loader"
	"github.com/blacktop/go-dyld/dyld/sharedcache"
	"github.com/blacktop/go-dyld/dyld/syscall"
	"github.com/blacktop/go-dyld/pkg/fixupchains"
)

// fakeRegistry is a minimal loader.RegistryView backed by a plain slice,
// enough to exercise resolveBind/lookupInImage/flatLookup/weakLookup
// without pulling in the full dyld/registry package.
type fakeRegistry struct {
	images                   []*loader.Image
	hasOverriddenCachedDylib bool
}

func (r *fakeRegistry) Find(path string) (*loader.Image, bool) {
	for _, img := range r.images {
		if img.CanonicalPath == path {
			return img, true
		}
	}
	return nil, false
}

func (r *fakeRegistry) FindByIdentity(id syscall.FileID) (*loader.Image, bool) { return nil, false }

func (r *fakeRegistry) Add(img *loader.Image) error {
	img.SelfRef = loader.ImageRef(len(r.images))
	r.images = append(r.images, img)
	if img.OverridesCache {
		r.hasOverriddenCachedDylib = true
	}
	return nil
}

func (r *fakeRegistry) HasOverriddenCachedDylib() bool { return r.hasOverriddenCachedDylib }

func (r *fakeRegistry) ForEach(handler func(*loader.Image) bool) {
	for _, img := range r.images {
		if !handler(img) {
			return
		}
	}
}

func cacheImage(reg *fakeRegistry, path string, cacheIndex uint32, mappedBase uint64) *loader.Image {
	img := &loader.Image{
		Kind:          loader.KindCacheResident,
		State:         loader.StateDepsSet,
		CanonicalPath: path,
		InCache:       true,
		CacheIndex:    cacheIndex,
		MappedBase:    mappedBase,
	}
	_ = reg.Add(img)
	return img
}

func newTestCache(t *testing.T) *sharedcache.Cache {
	t.Helper()
	delegate := syscall.NewFakeDelegate()
	delegate.SetSharedCache(syscall.CacheRawInfo{
		Path:       "/System/Volumes/Preboot/cryptex/OS/System/Library/dyld/dyld_shared_cache_arm64e",
		DylibPaths: []string{"/usr/lib/libSystem.B.dylib", "/usr/lib/libFoo.dylib"},
		PatchableExports: map[uint32][]syscall.PatchableExport{
			1: {{VMOffsetOfImpl: 0x100, ExportName: "_fooFunc"}},
		},
		PatchableUses: map[uint32]map[uint64][]syscall.PatchableUse{
			1: {0x100: {{UseVMOffset: 0x40}}},
		},
		ConstDataRegions: []syscall.ByteRange{{Start: 0x1000, End: 0x2000}},
	})
	c, err := sharedcache.Load(delegate, syscall.CacheOptions{})
	require.NoError(t, err)
	return c
}

func TestSignExtend(t *testing.T) {
	assert.Equal(t, int64(0), signExtend(0x00, 8))
	assert.Equal(t, int64(-1), signExtend(0xFF, 8))
	assert.Equal(t, int64(-2), signExtend(0xFE, 8))
	assert.Equal(t, int64(-3), signExtend(0xFD, 8))
	assert.Equal(t, int64(-1), signExtend(0xFFFF, 16))
	assert.Equal(t, int64(5), signExtend(5, 16))
}

func TestSignReturnsValueUnchangedWhenNotAuthenticated(t *testing.T) {
	assert.Equal(t, uint64(0xDEAD), Sign(0xDEAD, 0x1000, PMD{}))
}

func TestSignSetsAuthTagAndPreservesLow48Bits(t *testing.T) {
	pmd := PMD{Authenticated: true, Diversity: 0x1234, Key: 1}
	signed := Sign(0x0000FFFFDEADBEEF, 0x4000, pmd)
	assert.Equal(t, uint64(0x0000FFFFDEADBEEF), signed&0x0000FFFFFFFFFFFF, "low 48 bits of the value must survive signing")
	assert.NotZero(t, signed&(1<<63), "authenticated fixups must carry the auth tag bit")
}

func TestSignIsSensitiveToAddressDiversityAndKey(t *testing.T) {
	base := PMD{Authenticated: true, Diversity: 0x55, Key: 0}
	withAddrDiv := base
	withAddrDiv.UsesAddrDiversity = true

	a := Sign(0x1000, 0x4000, base)
	b := Sign(0x1000, 0x4000, withAddrDiv)
	assert.NotEqual(t, a, b, "addr-diversity must change the signature for the same slot")

	differentKey := base
	differentKey.Key = 3
	c := Sign(0x1000, 0x4000, differentKey)
	assert.NotEqual(t, a, c, "a different key must change the signature")
}

func TestValueOfSignsAuthenticatedRebase(t *testing.T) {
	e := NewEngine(syscall.NewFakeDelegate(), nil, logrus.NewEntry(logrus.New()))
	reg := &fakeRegistry{}
	img := cacheImage(reg, "/bin/app", 0, 0x100000)

	bti := BindTargetInfo{
		FixupOffset: 0x20,
		IsRebase:    true,
		RebaseValue: 0x30,
		PMD:         PMD{Authenticated: true, Diversity: 0x10, Key: 2},
	}

	plain := e.rawValueOf(img, bti, reg)
	signed := e.valueOf(img, bti, reg)
	assert.NotEqual(t, plain, signed, "an authenticated fixup must not be written as a plain value")
	assert.Equal(t, plain, signed&0x0000FFFFFFFFFFFF, "the real pointer value must survive in the low 48 bits")
}

func TestLibOrdinalOfEachImportEncoding(t *testing.T) {
	ord, weak := libOrdinalOf(fixupchains.DyldChainedImport(0x1FF)) // lib ordinal 0xFF, weak bit set
	assert.Equal(t, int64(-1), ord)
	assert.True(t, weak)

	ord, weak = libOrdinalOf(fixupchains.DyldChainedImport64(0xFFFE))
	assert.Equal(t, int64(-2), ord)
	assert.False(t, weak)

	ord, _ = libOrdinalOf(fixupchains.DyldChainedImportAddend{Import: fixupchains.DyldChainedImport(2), Addend: 8})
	assert.Equal(t, int64(2), ord)

	ord, _ = libOrdinalOf(fixupchains.DyldChainedImportAddend64{Import: fixupchains.DyldChainedImport64(1), Addend: 16})
	assert.Equal(t, int64(1), ord)

	ord, weak = libOrdinalOf("not an import")
	assert.Equal(t, int64(0), ord)
	assert.False(t, weak)
}

func TestResolveBindSpecialOrdinals(t *testing.T) {
	reg := &fakeRegistry{}
	self := cacheImage(reg, "/bin/app", 0, 0x1000)
	main := cacheImage(reg, "/usr/lib/libMain.dylib", 1, 0x2000)
	e := NewEngine(nil, nil, nil)
	e.SetMainExecutable(main.SelfRef)

	resolved, err := e.resolveBind(self, reg, BindTargetInfo{LibOrdinal: 0, SymbolName: "_selfSym", WeakImport: true})
	require.NoError(t, err)
	bt, ok := resolved.(BindToImage)
	require.True(t, ok)
	assert.False(t, bt.HasTarget) // no exports configured on a bare cache image in this test

	_, err = e.resolveBind(self, reg, BindTargetInfo{LibOrdinal: -1, SymbolName: "_mainSym", WeakImport: true})
	require.NoError(t, err)

	resolved, err = e.resolveBind(self, reg, BindTargetInfo{LibOrdinal: -2, SymbolName: "_missing", WeakImport: true})
	require.NoError(t, err)
	bt, ok = resolved.(BindToImage)
	require.True(t, ok)
	assert.False(t, bt.HasTarget)
}

func TestResolveBindPositiveOrdinalUsesDeps(t *testing.T) {
	reg := &fakeRegistry{}
	dep := cacheImage(reg, "/usr/lib/libFoo.dylib", 1, 0x3000)
	img := cacheImage(reg, "/bin/app", 0, 0x1000)
	img.Deps = []loader.DependencyEdge{{Kind: loader.EdgeNormal, Child: dep.SelfRef}}

	e := NewEngine(nil, newTestCacheWithoutT(), logrus.NewEntry(logrus.New()))
	resolved, err := e.resolveBind(img, reg, BindTargetInfo{LibOrdinal: 1, SymbolName: "_fooFunc"})
	require.NoError(t, err)
	bt, ok := resolved.(BindToImage)
	require.True(t, ok)
	assert.True(t, bt.HasTarget)
	assert.Equal(t, uint64(0x100), bt.Offset)
	assert.Equal(t, dep.SelfRef, bt.Target)
}

func TestResolveBindPositiveOrdinalOutOfRangeIsFatalUnlessWeak(t *testing.T) {
	reg := &fakeRegistry{}
	img := cacheImage(reg, "/bin/app", 0, 0x1000)

	e := NewEngine(nil, nil, nil)
	_, err := e.resolveBind(img, reg, BindTargetInfo{LibOrdinal: 3, SymbolName: "_x"})
	assert.Error(t, err)

	resolved, err := e.resolveBind(img, reg, BindTargetInfo{LibOrdinal: 3, SymbolName: "_x", WeakImport: true})
	require.NoError(t, err)
	bt := resolved.(BindToImage)
	assert.False(t, bt.HasTarget)
}

func TestWeakLookupCoalescesToFirstDefiner(t *testing.T) {
	reg := &fakeRegistry{}
	winner := cacheImage(reg, "/usr/lib/libFoo.dylib", 1, 0x3000)
	_ = cacheImage(reg, "/bin/app", 0, 0x1000)

	e := NewEngine(nil, newTestCacheWithoutT(), nil)

	first, err := e.weakLookup(winner, reg, BindTargetInfo{SymbolName: "_fooFunc"})
	require.NoError(t, err)
	bt := first.(BindToImage)
	assert.Equal(t, winner.SelfRef, bt.Target)
	assert.True(t, bt.IsWeakDef)

	second, err := e.weakLookup(winner, reg, BindTargetInfo{SymbolName: "_fooFunc"})
	require.NoError(t, err)
	bt2 := second.(BindToImage)
	assert.Equal(t, winner.SelfRef, bt2.Target)
}

func TestLookupInImageHonorsInterposition(t *testing.T) {
	reg := &fakeRegistry{}
	target := cacheImage(reg, "/usr/lib/libFoo.dylib", 1, 0x3000)
	interposer := cacheImage(reg, "/usr/lib/libInterpose.dylib", 2, 0x4000)
	caller := cacheImage(reg, "/bin/app", 0, 0x1000)

	e := NewEngine(nil, newTestCacheWithoutT(), nil)
	e.interposed["_fooFunc"] = interposeEntry{Replacement: 0xDEAD, By: interposer.SelfRef}

	resolved, err := e.lookupInImage(caller, target.SelfRef, reg, BindTargetInfo{SymbolName: "_fooFunc"})
	require.NoError(t, err)
	abs, ok := resolved.(BindAbsolute)
	require.True(t, ok)
	assert.Equal(t, uint64(0xDEAD), abs.Value)

	// The interposer's own binds to the same symbol are never redirected.
	resolved, err = e.lookupInImage(interposer, target.SelfRef, reg, BindTargetInfo{SymbolName: "_fooFunc"})
	require.NoError(t, err)
	_, stillAbs := resolved.(BindAbsolute)
	assert.False(t, stillAbs)
}

func TestPatchCacheUsersRecordsPatchesAndReseals(t *testing.T) {
	reg := &fakeRegistry{}
	cache := newTestCache(t)

	override := cacheImage(reg, "/usr/lib/libFooOverride.dylib", 0, 0)
	override.Kind = loader.KindOnDisk
	override.OverridesCache = true
	override.OverrideIndex = 1
	override.PreferredBase = 0x500000
	override.PatchTable = []loader.PatchEntry{{ExportName: "_fooFunc", OverrideOffsetImpl: 0x20}}

	e := NewEngine(syscall.NewFakeDelegate(), cache, nil)
	require.NoError(t, e.PatchCacheUsers(override))

	require.Len(t, e.CachePatches, 1)
	assert.Equal(t, "_fooFunc", e.CachePatches[0].ExportName)
	assert.Equal(t, uint64(0x40), e.CachePatches[0].UseVMOffset)
	assert.Equal(t, uint64(0x500000+0x20), e.CachePatches[0].NewValue)
	assert.False(t, cache.Writable(), "write window must be resealed after patching")
}

func TestCacheWeakDefFixupRewritesMatchingCacheExport(t *testing.T) {
	cache := newTestCache(t)
	e := NewEngine(syscall.NewFakeDelegate(), cache, nil)

	require.NoError(t, e.cacheWeakDefFixup("_fooFunc", 0x700000))

	require.Len(t, e.CachePatches, 1)
	assert.Equal(t, "_fooFunc", e.CachePatches[0].ExportName)
	assert.Equal(t, uint64(0x40), e.CachePatches[0].UseVMOffset)
	assert.Equal(t, uint64(0x700000), e.CachePatches[0].NewValue)
	assert.False(t, cache.Writable(), "write window must be resealed after patching")
}

func TestCacheWeakDefFixupNoopsWhenSymbolNotExportedByCache(t *testing.T) {
	cache := newTestCache(t)
	e := NewEngine(syscall.NewFakeDelegate(), cache, nil)

	require.NoError(t, e.cacheWeakDefFixup("_barFunc", 0x700000))
	assert.Empty(t, e.CachePatches)
}

func TestWeakLookupSkipsCachePatchWhenWinnerIsCacheResident(t *testing.T) {
	reg := &fakeRegistry{}
	cache := newTestCache(t)
	_ = cacheImage(reg, "/usr/lib/libFoo.dylib", 1, 0x3000)
	caller := cacheImage(reg, "/bin/app", 0, 0x1000)

	e := NewEngine(syscall.NewFakeDelegate(), cache, nil)
	_, err := e.weakLookup(caller, reg, BindTargetInfo{SymbolName: "_fooFunc"})
	require.NoError(t, err)
	assert.Empty(t, e.CachePatches, "a cache-resident winner never needs a weak-def cache patch")
}

func TestPatchCacheUsersSkipsNonOverridingImages(t *testing.T) {
	reg := &fakeRegistry{}
	img := cacheImage(reg, "/bin/app", 0, 0x1000)

	e := NewEngine(syscall.NewFakeDelegate(), newTestCacheWithoutT(), nil)
	require.NoError(t, e.PatchCacheUsers(img))
	assert.Empty(t, e.CachePatches)
}

// newTestCacheWithoutT builds the same fixture cache as newTestCache but
// without a *testing.T dependency, for tests that construct the cache
// inline rather than through require.
func newTestCacheWithoutT() *sharedcache.Cache {
	delegate := syscall.NewFakeDelegate()
	delegate.SetSharedCache(syscall.CacheRawInfo{
		Path:       "/System/Library/dyld/dyld_shared_cache_arm64e",
		DylibPaths: []string{"/usr/lib/libSystem.B.dylib", "/usr/lib/libFoo.dylib"},
		PatchableExports: map[uint32][]syscall.PatchableExport{
			1: {{VMOffsetOfImpl: 0x100, ExportName: "_fooFunc"}},
		},
		PatchableUses: map[uint32]map[uint64][]syscall.PatchableUse{
			1: {0x100: {{UseVMOffset: 0x40}}},
		},
	})
	c, _ := sharedcache.Load(delegate, syscall.CacheOptions{})
	return c
}
