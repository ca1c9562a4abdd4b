package launch

import (
	"bytes"
	"fmt"

	macho "github.com/blacktop/go-dyld"
	"github.com/blacktop/go-dyld/dyld/errs"
	"github.com/blacktop/go-dyld/dyld/loader"
)

// Dlopen loads path and everything it newly pulls in, applies fixups, and
// runs initializers child-before-parent, all under the process-wide
// loaders lock so a racing Dlopen/Dlclose never observes a half-built
// graph (spec.md §5's post-launch entry points). Re-entrant calls from
// within an initializer reuse the calling goroutine's hold on the lock.
//
// On failure, every image this call newly added (and that isn't
// NeverUnload) is unwound rather than left half-initialized, and the
// process itself is never aborted — the caller gets a *errs.Error back.
func (r *Result) Dlopen(path string) (*loader.Image, error) {
	r.Lock.Lock()
	defer r.Lock.Unlock()

	before := r.Registry.Len()
	added, err := r.dlopenLocked(path)
	if err != nil {
		r.unwindFrom(before)
		return nil, errs.Wrap(errs.DependencyMissing, err)
	}

	r.Images.Sync(r.Registry)
	return added, nil
}

func (r *Result) dlopenLocked(path string) (*loader.Image, error) {
	if existing, ok := r.Registry.Find(path); ok {
		r.resurrect(existing)
		return existing, nil
	}

	raw, err := r.Delegate.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: %w", path, err)
	}
	f, err := macho.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: parsing: %w", path, err)
	}

	env := &loader.Env{
		Delegate:  r.Delegate,
		Overrides: r.Overrides,
		Cache:     r.Cache,
		Platform:  r.Config.Process.Platform,
		Log:       r.Config.Logging.Entry("loaders"),
	}

	root, err := loader.CreateMainExecutable(r.Registry, env, path, f)
	if err != nil {
		return nil, err
	}
	if err := loader.LoadAll(r.Registry, env, root, f); err != nil {
		return nil, err
	}
	if err := applyFixupsInOrder(r.Engine, r.Registry, r.Delegate); err != nil {
		return nil, err
	}
	r.Cache.AssertWindowClosed("Dlopen")
	if err := loader.RunInitializers(r.Registry, r.Config.Logging.Entry("initializers"), nil, nil); err != nil {
		return nil, err
	}
	return root, nil
}

// resurrect clears a dlclose'd image's Unloaded flag and does the same,
// recursively, to everything it depends on: a resurrected image's
// dependencies must be live again regardless of what their current
// refcount against other (still-unloaded) referrers says.
func (r *Result) resurrect(img *loader.Image) {
	if !img.Unloaded {
		return
	}
	img.Unloaded = false
	for _, dep := range img.Deps {
		if dep.Child == loader.NoRef {
			continue
		}
		if child := r.imageByRef(dep.Child); child != nil {
			r.resurrect(child)
		}
	}
}

// unwindFrom marks every image added after the before watermark as
// unloaded, undoing a failed Dlopen. NeverUnload images (those already
// pinned, e.g. by RTLD_NODELETE-equivalent linkage) are left in place.
func (r *Result) unwindFrom(before int) {
	idx := 0
	r.Registry.ForEach(func(img *loader.Image) bool {
		if idx >= before && !img.NeverUnload {
			img.Unloaded = true
		}
		idx++
		return true
	})
}

// Dlclose marks path (and, transitively, every dependency no longer
// referenced by any other live image) unloaded. The registry stays
// append-only — ImageRef indices must remain stable for the lifetime of
// the process — so close is a flag flip, not a removal.
func (r *Result) Dlclose(path string) error {
	r.Lock.Lock()
	defer r.Lock.Unlock()

	img, ok := r.Registry.Find(path)
	if !ok || img.Unloaded {
		return fmt.Errorf("dlclose: %s is not loaded", path)
	}
	if img.NeverUnload {
		return nil
	}

	refcount := make(map[loader.ImageRef]int)
	r.Registry.ForEach(func(candidate *loader.Image) bool {
		if candidate.Unloaded {
			return true
		}
		for _, dep := range candidate.Deps {
			if dep.Child != loader.NoRef {
				refcount[dep.Child]++
			}
		}
		return true
	})

	r.unloadTransitive(img, refcount)
	r.Images.Sync(r.Registry)
	return nil
}

func (r *Result) unloadTransitive(img *loader.Image, refcount map[loader.ImageRef]int) {
	if img.Unloaded || img.NeverUnload {
		return
	}
	img.Unloaded = true
	for _, dep := range img.Deps {
		if dep.Child == loader.NoRef {
			continue
		}
		refcount[dep.Child]--
		if refcount[dep.Child] > 0 {
			continue
		}
		if child := r.imageByRef(dep.Child); child != nil {
			r.unloadTransitive(child, refcount)
		}
	}
}

func (r *Result) imageByRef(ref loader.ImageRef) *loader.Image {
	var found *loader.Image
	idx := 0
	r.Registry.ForEach(func(img *loader.Image) bool {
		if loader.ImageRef(idx) == ref {
			found = img
			return false
		}
		idx++
		return true
	})
	return found
}
