package sharedcache

import "github.com/blacktop/go-dyld/dyld/procconfig"

// Platform is the platform the cache itself was built for, mirroring
// DyldCache::platform().
func (c *Cache) Platform() procconfig.Platform { return procconfig.Platform(c.raw.Platform) }

// OSVersion is the packed OS version baked into the cache header.
func (c *Cache) OSVersion() procconfig.Version { return procconfig.Version(c.raw.OSVersion) }

// MatchesProcessPlatform mirrors setPlatformOSVersion's sanity check that
// the cache handed to a process targets the same platform that process
// itself was built for; a mismatch means the cache the delegate resolved
// is unusable for this launch and callers should fall back to loading
// dylibs individually instead of trusting the cache's patch tables.
func (c *Cache) MatchesProcessPlatform(process *procconfig.Process) bool {
	if process.Platform == procconfig.PlatformIOSMac && c.Platform() == procconfig.PlatformIOS {
		// Catalyst processes run against the iOS-platform slice of the
		// cache; BasePlatform carries the non-Catalyst identity.
		return true
	}
	return c.Platform() == process.Platform
}
