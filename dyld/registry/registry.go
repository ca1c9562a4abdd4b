// Package registry implements the Loader Registry of spec.md §4.E: the
// single source of truth tracking every loaded image by path and by file
// identity, and the sticky bit that short-circuits the fixup engine's
// cache-patch pass when nothing has overridden a cache dylib.
package registry

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/blacktop/go-dyld/dyld/loader"
	"github.com/blacktop/go-dyld/dyld/syscall"
)

// Registry is the dense, append-only (at launch; insert-or-return on
// dlopen) vector of every loaded Image plus its two lookup indices.
type Registry struct {
	images      []*loader.Image
	pathToImage map[string]*loader.Image
	idToImage   map[syscall.FileID]*loader.Image

	hasOverriddenCachedDylib bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		pathToImage: make(map[string]*loader.Image),
		idToImage:   make(map[syscall.FileID]*loader.Image),
	}
}

// Find returns the image whose canonical path or (when AltInstallName)
// install name exactly matches p, mirroring spec.md §4.F's matchesPath.
func (r *Registry) Find(p string) (*loader.Image, bool) {
	if img, ok := r.pathToImage[p]; ok {
		return img, true
	}
	for _, img := range r.images {
		if img.MatchesPath(p) {
			return img, true
		}
	}
	return nil, false
}

// FindByIdentity dedupes across symlinks/hardlinks by file identity.
func (r *Registry) FindByIdentity(id syscall.FileID) (*loader.Image, bool) {
	if !id.Valid {
		return nil, false
	}
	img, ok := r.idToImage[id]
	return img, ok
}

// Add inserts img, asserting neither the path nor identity index already
// holds an entry — spec.md §3's "no two images share path or identity"
// invariant, enforced at the single point of entry.
func (r *Registry) Add(img *loader.Image) error {
	if _, exists := r.pathToImage[img.CanonicalPath]; exists {
		return fmt.Errorf("registry: image already present for path %q", img.CanonicalPath)
	}
	if img.FileID.Valid {
		if _, exists := r.idToImage[img.FileID]; exists {
			return fmt.Errorf("registry: image already present for identity %+v", img.FileID)
		}
	}

	img.SelfRef = loader.ImageRef(len(r.images))
	r.images = append(r.images, img)
	r.pathToImage[img.CanonicalPath] = img
	if img.FileID.Valid {
		r.idToImage[img.FileID] = img
	}
	if img.OverridesCache {
		r.hasOverriddenCachedDylib = true
	}
	return nil
}

// ForEach walks every image in insertion (registry) order, the order the
// fixup pipeline and initializer pass both rely on, stopping early if
// handler returns false.
func (r *Registry) ForEach(handler func(*loader.Image) bool) {
	for _, img := range r.images {
		if !handler(img) {
			return
		}
	}
}

// All returns the dense image vector in registry order. Callers must treat
// it as read-only.
func (r *Registry) All() []*loader.Image { return r.images }

// Len reports how many images the registry currently holds.
func (r *Registry) Len() int { return len(r.images) }

// HasOverriddenCachedDylib reports the sticky bit set the first time an
// added image reports OverridesCache, letting the fixup engine skip its
// cache-patch pass entirely when nothing overrides the cache.
func (r *Registry) HasOverriddenCachedDylib() bool { return r.hasOverriddenCachedDylib }

// Paths returns every distinct canonical path currently registered,
// de-duplicated defensively (Add already guarantees uniqueness; this
// guards callers that bypass Add only in tests).
func (r *Registry) Paths() []string {
	paths := make([]string, 0, len(r.images))
	for _, img := range r.images {
		paths = append(paths, img.CanonicalPath)
	}
	return lo.Uniq(paths)
}
