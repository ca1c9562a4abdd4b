// Package sharedcache wraps the raw dyld shared-cache handle the syscall
// delegate returns with the indexed lookup API spec.md §4.D describes:
// install-name-to-index resolution, patchable-export enumeration for
// cache patching, and __DATA_CONST write-protection toggling.
package sharedcache

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/blacktop/go-dyld/dyld/syscall"
)

// Cache is the process-wide view of the dyld shared cache, built once at
// launch from the delegate's raw handle.
type Cache struct {
	raw syscall.CacheRawInfo

	pathToIndex map[string]uint32
	writable    bool
}

// Load asks the delegate for the shared cache and builds the index,
// mirroring ProcessConfig::DyldCache's constructor (minus the comm-page
// bookkeeping, which procconfig.Process already owns).
func Load(delegate syscall.Delegate, opts syscall.CacheOptions) (*Cache, error) {
	raw, err := delegate.GetSharedCache(opts)
	if err != nil {
		return nil, err
	}
	return newFromRaw(raw), nil
}

func newFromRaw(raw syscall.CacheRawInfo) *Cache {
	c := &Cache{raw: raw, pathToIndex: make(map[string]uint32, len(raw.DylibPaths))}
	for i, p := range raw.DylibPaths {
		c.pathToIndex[p] = uint32(i)
	}
	return c
}

// Path is the cache file's own path on disk.
func (c *Cache) Path() string { return c.raw.Path }

// DylibCount is the number of images the cache contains.
func (c *Cache) DylibCount() uint32 { return uint32(len(c.raw.DylibPaths)) }

// IndexOfPath mirrors DyldCache::indexOfPath.
func (c *Cache) IndexOfPath(dylibPath string) (uint32, bool) {
	idx, ok := c.pathToIndex[dylibPath]
	return idx, ok
}

// ImageAt returns the install name stored at a cache index, mirroring
// getIndexedImageEntry's path side.
func (c *Cache) ImageAt(index uint32) (string, bool) {
	if int(index) >= len(c.raw.DylibPaths) {
		return "", false
	}
	return c.raw.DylibPaths[index], true
}

// UUID is the cache build's own identity.
func (c *Cache) UUID() [16]byte { return c.raw.UUID }

// IsCustomer reports whether this cache is the stripped customer/install
// build rather than the development build.
func (c *Cache) IsCustomer() bool { return c.raw.IsCustomer }

// UUIDOfFileMatchesDyldCache mirrors
// DyldProcessConfig.cpp's uuidOfFileMatchesDyldCache: an on-disk root is
// only eligible to replace a cached dylib when its UUID equals the one the
// cache recorded at build time, so a stale override on disk doesn't
// silently diverge from what the cache's patch tables assume.
func (c *Cache) UUIDOfFileMatchesDyldCache(dylibIndex uint32, onDiskUUID [16]byte) bool {
	cacheUUID, ok := c.raw.DylibUUIDs[dylibIndex]
	if !ok {
		return false
	}
	return cacheUUID == onDiskUUID
}

// ForEachPatchableExport walks every (vmOffset, exportName) pair recorded
// for a cached dylib, mirroring the patch-table shape of
// PrebuiltLoaderSet's DylibPatch/CachePatch records.
func (c *Cache) ForEachPatchableExport(dylibIndex uint32, handler func(syscall.PatchableExport) bool) {
	for _, e := range c.raw.PatchableExports[dylibIndex] {
		if !handler(e) {
			return
		}
	}
}

// ForEachPatchableUseOfExport walks every recorded use site of a
// (dylibIndex, vmOffsetOfImpl) export, the "who points at this symbol"
// side of cache patching.
func (c *Cache) ForEachPatchableUseOfExport(dylibIndex uint32, vmOffsetOfImpl uint64, handler func(syscall.PatchableUse) bool) {
	uses, ok := c.raw.PatchableUses[dylibIndex]
	if !ok {
		return
	}
	for _, u := range uses[vmOffsetOfImpl] {
		if !handler(u) {
			return
		}
	}
}

// MakeDataConstWritable toggles write protection on every __DATA_CONST
// region the cache reports, mirroring DyldCache::makeDataConstWritable.
// Every call is logged through the caller-supplied logger so the
// DYLD_PRINT_SEGMENTS trace line (spec.md §4.B's Logging.segments
// category) survives the transition.
func (c *Cache) MakeDataConstWritable(delegate syscall.Delegate, log *logrus.Entry, writable bool) error {
	for _, region := range c.raw.ConstDataRegions {
		br := syscall.ByteRange{Start: region.Start, End: region.End}
		if log != nil {
			log.WithFields(logrus.Fields{
				"start":    fmt.Sprintf("0x%x", region.Start),
				"end":      fmt.Sprintf("0x%x", region.End),
				"writable": writable,
			}).Debug("toggling __DATA_CONST protection")
		}
		if err := delegate.VMProtect(br, writable); err != nil {
			return err
		}
	}
	c.writable = writable
	return nil
}

// Writable reports the current __DATA_CONST protection state last set by
// MakeDataConstWritable.
func (c *Cache) Writable() bool { return c.writable }

// AssertWindowClosed panics if __DATA_CONST is still writable. Launch and
// Dlopen call this right before running initializers: the write window
// must never outlive the single patch operation that opened it, since a
// +load/initializer running while __DATA_CONST is writable could observe
// a half-patched cache.
func (c *Cache) AssertWindowClosed(caller string) {
	if c == nil {
		return
	}
	if c.writable {
		panic(fmt.Sprintf("sharedcache: __DATA_CONST write window still open entering %s", caller))
	}
}
