package sharedcache

import "github.com/blacktop/go-dyld/dyld/commpage"

// RootCheck names one of the three libSystem-internal dylibs whose
// presence as an on-disk root (rather than the cached copy) flips a
// dedicated comm-page bit, mirroring setupDyldCommPage: these three are
// special because every other process on the system trusts the comm page
// instead of re-deriving the answer itself.
type RootCheck struct {
	CacheIndex uint32
	OnDiskUUID [16]byte
	HasRoot    bool
}

// SetupCommPage derives the comm-page word pid 1 publishes once at boot:
// the cache's own customer/dev selection bits plus the three named-root
// flags, each set only when the on-disk dylib's UUID diverges from the
// cache's recorded copy (an unmodified system reports no roots at all).
func (c *Cache) SetupCommPage(base commpage.Flags, libPlatform, libPthread, libKernel RootCheck) commpage.Flags {
	f := base.
		WithForceCustomerCache(c.raw.IsCustomer).
		WithForceDevCache(!c.raw.IsCustomer)

	f = f.WithLibPlatformRoot(c.isRoot(libPlatform))
	f = f.WithLibPthreadRoot(c.isRoot(libPthread))
	f = f.WithLibKernelRoot(c.isRoot(libKernel))
	return f
}

func (c *Cache) isRoot(check RootCheck) bool {
	if !check.HasRoot {
		return false
	}
	return !c.UUIDOfFileMatchesDyldCache(check.CacheIndex, check.OnDiskUUID)
}
