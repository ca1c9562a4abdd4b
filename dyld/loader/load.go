package loader

import (
	"bytes"
	"fmt"
	"path/filepath"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"

	macho "github.com/blacktop/go-dyld"
	"github.com/blacktop/go-dyld/dyld/pathoverrides"
	"github.com/blacktop/go-dyld/dyld/procconfig"
	"github.com/blacktop/go-dyld/dyld/sharedcache"
	"github.com/blacktop/go-dyld/dyld/syscall"
)

// RegistryView is the narrow slice of dyld/registry.Registry this package
// needs. Declaring it here (rather than importing the registry package)
// keeps loader -> registry acyclic: registry.Registry already implements
// this interface structurally.
type RegistryView interface {
	Find(path string) (*Image, bool)
	FindByIdentity(id syscall.FileID) (*Image, bool)
	Add(img *Image) error
	ForEach(func(*Image) bool)

	// HasOverriddenCachedDylib reports the sticky bit set the first time
	// an added image reports OverridesCache, letting cache-patch work
	// short-circuit entirely when nothing has ever overridden the cache.
	HasOverriddenCachedDylib() bool
}

// Env bundles the already-built process-wide collaborators LoadDependents
// needs: the syscall delegate, the path-override engine, the optional
// shared cache, and the platform used to gate fallback directories.
type Env struct {
	Delegate syscall.Delegate
	Overrides *pathoverrides.Overrides
	Cache     *sharedcache.Cache
	Platform  procconfig.Platform
	Log       *logrus.Entry
}

func (e *Env) logf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Debugf(format, args...)
	}
}

// dependentRequest is one entry from the Mach-O dependent-dylib list,
// classified by load-command kind.
type dependentRequest struct {
	Path string
	Kind EdgeKind
}

func classifyDependents(f *macho.File) []dependentRequest {
	var out []dependentRequest
	for _, l := range f.Loads {
		switch d := l.(type) {
		case *macho.Dylib:
			out = append(out, dependentRequest{Path: d.Name, Kind: EdgeNormal})
		case *macho.WeakDylib:
			out = append(out, dependentRequest{Path: d.Name, Kind: EdgeWeak})
		case *macho.ReExportDylib:
			out = append(out, dependentRequest{Path: d.Name, Kind: EdgeReexport})
		case *macho.UpwardDylib:
			out = append(out, dependentRequest{Path: d.Name, Kind: EdgeUpward})
		}
	}
	return out
}

func readMachO(delegate syscall.Delegate, path string) (*macho.File, error) {
	data, err := delegate.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return macho.NewFile(bytes.NewReader(data))
}

func installName(f *macho.File) string {
	if id := f.DylibID(); id != nil {
		return id.Name
	}
	return ""
}

// CreateMainExecutable builds the Created-state Image for the main
// executable and registers it, the root of every dependency walk.
func CreateMainExecutable(reg RegistryView, env *Env, path string, f *macho.File) (*Image, error) {
	id, _ := env.Delegate.Stat(path)
	img := &Image{
		Kind:             KindOnDisk,
		State:            StateCreated,
		CanonicalPath:    path,
		FileID:           id,
		NeverUnload:      true,
		HasObjC:          f.HasObjC(),
		MayHavePlusLoad:  f.HasPlusLoadMethod(),
		AllDepsAreNormal: true,
	}
	if err := reg.Add(img); err != nil {
		return nil, err
	}
	return img, nil
}

// LoadAll performs the full BFS dependency walk of spec.md §4.F.2 starting
// from an already-created root image, returning a fatal error for any
// non-weak resolution failure.
func LoadAll(reg RegistryView, env *Env, root *Image, rootFile *macho.File) error {
	type pending struct {
		img  *Image
		file *macho.File
	}

	queue := []pending{{root, rootFile}}
	discovering := mapset.NewSet()
	discovering.Add(root.CanonicalPath)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		reqs := classifyDependents(cur.file)
		for _, req := range reqs {
			child, childFile, err := resolveOne(reg, env, cur.img.CanonicalPath, req.Path)
			if err != nil {
				if req.Kind == EdgeWeak {
					cur.img.Deps = append(cur.img.Deps, DependencyEdge{Kind: EdgeWeak, Missing: true, RawPath: req.Path, Child: NoRef})
					continue
				}
				return fmt.Errorf("Library not loaded: %s\n  Referenced from: %s\n  Reason: %w", req.Path, cur.img.CanonicalPath, err)
			}
			cur.img.Deps = append(cur.img.Deps, DependencyEdge{Kind: req.Kind, RawPath: req.Path, Child: child.SelfRef})
			if req.Kind != EdgeNormal {
				cur.img.AllDepsAreNormal = false
			}

			// Only on-disk children carry a Mach-O handle to walk further;
			// a cache-resident child is already past StateDepsSet (see
			// createFor) and needs no BFS expansion of its own.
			if childFile != nil && child.State == StateCreated && !discovering.Contains(child.CanonicalPath) {
				discovering.Add(child.CanonicalPath)
				queue = append(queue, pending{child, childFile})
			}
		}

		if err := cur.img.Transition(StateDepsSet); err != nil {
			return err
		}
		if cur.img.OverridesCache {
			buildPatchTable(env, cur.img, childFileForOverride(env, cur.img))
		}
	}
	return nil
}

// childFileForOverride re-reads the overriding image's own Mach-O so
// buildPatchTable can consult its exports trie. A real loader would keep
// this handle open across the load; the simulator re-reads it once, a
// deliberate simplicity tradeoff recorded in DESIGN.md.
func childFileForOverride(env *Env, img *Image) *macho.File {
	f, err := readMachO(env.Delegate, img.CanonicalPath)
	if err != nil {
		return nil
	}
	return f
}

// resolveOne resolves a single dependent load path to an Image, creating
// and registering it if this is the first reference, per spec.md §4.F.2's
// "absolute paths shortcut to Registry.find; otherwise walk
// forEachPathVariant" rule.
func resolveOne(reg RegistryView, env *Env, parentPath, loadPath string) (img *Image, file *macho.File, err error) {
	if filepath.IsAbs(loadPath) {
		if existing, ok := reg.Find(loadPath); ok {
			return existing, nil, nil
		}
		created, f, cerr := createFor(reg, env, loadPath)
		if cerr != nil {
			return nil, nil, cerr
		}
		return created, f, nil
	}

	var found *Image
	var foundFile *macho.File
	var foundErr error
	env.Overrides.ForEachPathVariant(loadPath, env.Platform, false, func(candidate string, _ pathoverrides.Type) bool {
		if existing, ok := reg.Find(candidate); ok {
			found = existing
			return false
		}
		created, f, cerr := createFor(reg, env, candidate)
		if cerr != nil {
			foundErr = cerr
			return true // keep trying the next candidate
		}
		found, foundFile = created, f
		return false
	})
	if found != nil {
		return found, foundFile, nil
	}
	if foundErr != nil {
		return nil, nil, foundErr
	}
	return nil, nil, fmt.Errorf("no candidate path resolved for %q", loadPath)
}

// createFor builds and registers a new Image for path, preferring an
// on-disk file and falling back to a cache-resident entry, mirroring
// findLoader's disk-then-cache precedence.
func createFor(reg RegistryView, env *Env, path string) (*Image, *macho.File, error) {
	if env.Delegate.FileExists(path) {
		f, err := readMachO(env.Delegate, path)
		if err == nil {
			id, _ := env.Delegate.Stat(path)
			if existing, ok := reg.FindByIdentity(id); ok {
				return existing, nil, nil
			}
			img := &Image{
				Kind:             KindOnDisk,
				State:            StateCreated,
				CanonicalPath:    path,
				FileID:           id,
				HasObjC:          f.HasObjC(),
				MayHavePlusLoad:  f.HasPlusLoadMethod(),
				AllDepsAreNormal: true,
			}
			if env.Cache != nil {
				if idx, ok := env.Cache.IndexOfPath(path); ok {
					img.OverridesCache = true
					img.OverrideIndex = idx
				}
				if name := installName(f); name != "" && name != path {
					if idx, ok := env.Cache.IndexOfPath(name); ok {
						img.OverridesCache = true
						img.OverrideIndex = idx
						img.AltInstallName = name
						img.AltInstallNameOK = true
					}
				}
			}
			if err := reg.Add(img); err != nil {
				return nil, nil, err
			}
			env.logf("loaded on-disk image %s", path)
			return img, f, nil
		}
	}

	if env.Cache != nil {
		if idx, ok := env.Cache.IndexOfPath(path); ok {
			img := &Image{
				Kind:          KindCacheResident,
				State:         StateCreated,
				CanonicalPath: path,
				InCache:       true,
				NeverUnload:   true,
				CacheIndex:    idx,
			}
			if err := reg.Add(img); err != nil {
				return nil, nil, err
			}
			// A cache-resident image's own dependents were already walked
			// and fixed up when the cache was built; there is no Mach-O
			// handle left to re-walk here, so it skips straight past
			// StateDepsSet instead of going through the BFS queue.
			if err := img.Transition(StateDepsSet); err != nil {
				return nil, nil, err
			}
			env.logf("resolved %s to cache index %d", path, idx)
			return img, nil, nil
		}
	}

	return nil, nil, fmt.Errorf("image not found on disk or in shared cache: %s", path)
}

// buildPatchTable implements spec.md §4.F's override-registration patch
// table: one DylibPatch per exported symbol of the overridden cache dylib,
// recording the delta from the override's implementation or 0 when the
// symbol is absent from the override.
func buildPatchTable(env *Env, img *Image, overrideFile *macho.File) {
	if env.Cache == nil {
		return
	}
	var exports map[string]uint64
	if overrideFile != nil {
		exports = exportAddresses(overrideFile)
	}

	env.Cache.ForEachPatchableExport(img.OverrideIndex, func(exp syscall.PatchableExport) bool {
		entry := PatchEntry{ExportName: exp.ExportName}
		if addr, ok := exports[exp.ExportName]; ok {
			entry.OverrideOffsetImpl = int64(addr) - int64(img.PreferredBase)
		}
		img.PatchTable = append(img.PatchTable, entry)
		return true
	})
}

func exportAddresses(f *macho.File) map[string]uint64 {
	entries, err := f.DyldExports()
	if err != nil {
		return nil
	}
	out := make(map[string]uint64, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Address
	}
	return out
}
