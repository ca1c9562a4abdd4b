package launch

import (
	"fmt"
	"sync"

	"github.com/blacktop/go-dyld/dyld/loader"
	"github.com/blacktop/go-dyld/dyld/registry"
)

// ImageInfo is one debugger-visible row of the all_image_infos handoff
// record (spec.md §6's "Debugger handoff").
type ImageInfo struct {
	Path       string
	MappedBase uint64
	FileID     string
	Unloaded   bool
}

// AllImageInfos is the transactional (notify-before/after) record a
// debugger attaching to the process would read: a snapshot of the
// registry kept current across every registry mutation. Real dyld
// toggles an infoArrayChangeTimestamp and calls a set of trap functions
// around each mutation; Sync plays that role here in a single step since
// nothing actually observes the "mid update" gap in this simulator.
type AllImageInfos struct {
	mu     sync.Mutex
	images []ImageInfo
	epoch  uint64
}

// NewAllImageInfos returns an empty record.
func NewAllImageInfos() *AllImageInfos {
	return &AllImageInfos{}
}

// Sync rebuilds the record from the registry's current contents. It bumps
// the notification epoch itself, both immediately before and after the
// rebuild, mirroring the real before/after trap pair.
func (a *AllImageInfos) Sync(reg *registry.Registry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epoch++ // notify: about to change

	images := make([]ImageInfo, 0, reg.Len())
	reg.ForEach(func(img *loader.Image) bool {
		images = append(images, ImageInfo{
			Path:       img.CanonicalPath,
			MappedBase: img.MappedBase,
			FileID:     fmt.Sprintf("%d:%d", img.FileID.Inode, img.FileID.Mtime),
			Unloaded:   img.Unloaded,
		})
		return true
	})
	a.images = images

	a.epoch++ // notify: change complete
}

// Snapshot returns a defensive copy of the current image list.
func (a *AllImageInfos) Snapshot() []ImageInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ImageInfo, len(a.images))
	copy(out, a.images)
	return out
}

// Epoch returns the current notification counter; debuggers single-step
// past each Sync by polling for it to be even (a complete update).
func (a *AllImageInfos) Epoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}
