// Package launch implements the top-level entry points of spec.md §5/§6:
// Launch (the single-threaded, lock-free process bring-up path) and, once
// a process is up, Dlopen/Dlclose under the loaders lock. It wires
// dyld/procconfig, dyld/pathoverrides, dyld/sharedcache, dyld/registry,
// dyld/loader, and dyld/fixup together the way spec.md §2's "Control flow"
// paragraph describes.
package launch

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	macho "github.com/blacktop/go-dyld"
	"github.com/blacktop/go-dyld/dyld/errs"
	"github.com/blacktop/go-dyld/dyld/fixup"
	"github.com/blacktop/go-dyld/dyld/internal/lock"
	"github.com/blacktop/go-dyld/dyld/loader"
	"github.com/blacktop/go-dyld/dyld/pathoverrides"
	"github.com/blacktop/go-dyld/dyld/procconfig"
	"github.com/blacktop/go-dyld/dyld/registry"
	"github.com/blacktop/go-dyld/dyld/sharedcache"
	"github.com/blacktop/go-dyld/dyld/syscall"
)

// Result is everything a launch produced: the process-wide collaborators
// every later dlopen/dlclose call reuses, plus the main image and whether
// the harness should skip transferring control to it.
type Result struct {
	Config    *procconfig.Config
	Registry  *registry.Registry
	Overrides *pathoverrides.Overrides
	Cache     *sharedcache.Cache
	Engine    *fixup.Engine
	Lock      *lock.Loaders
	Images    *AllImageInfos
	Delegate  syscall.Delegate

	Main     *loader.Image
	SkipMain bool
}

// Launch runs the full single-threaded bring-up sequence: build the
// process config, collect path overrides (including the versioned-path
// pre-pass), select and load the shared cache, discover and resolve the
// main executable's dependency closure, apply fixups in load order, patch
// any overridden cache exports, and run initializers child-before-parent.
//
// A fatal failure anywhere in this sequence returns a *errs.Error built
// with errs.Halt rather than aborting the process (spec.md §5/§7).
func Launch(delegate syscall.Delegate, kern *procconfig.KernelArgs) (*Result, error) {
	cfg, err := procconfig.BuildConfig(delegate, kern)
	if err != nil {
		return nil, errs.Wrap(errs.Mapping, err)
	}
	cfg.Arena.Seal()

	overrides := pathoverrides.New(cfg.Process, cfg.Security, dyldEnvStrings(kern.MainExecutable))
	if err := processVersionedPaths(delegate, kern.MainExecutable, overrides); err != nil {
		cfg.Logging.Entry("searching").WithError(err).Debug("versioned-path scan failed, continuing without it")
	}

	var cache *sharedcache.Cache
	opts := sharedcache.OptionsFromProcess(cfg.Process, cfg.Security)
	if c, cerr := sharedcache.Load(delegate, opts); cerr == nil {
		if c.MatchesProcessPlatform(cfg.Process) {
			cache = c
		} else {
			cfg.Logging.Entry("searching").Warn("shared cache platform mismatch, ignoring cache")
		}
	}

	reg := registry.New()
	env := &loader.Env{
		Delegate:  delegate,
		Overrides: overrides,
		Cache:     cache,
		Platform:  cfg.Process.Platform,
		Log:       cfg.Logging.Entry("loaders"),
	}

	main, err := loader.CreateMainExecutable(reg, env, cfg.Process.MainExecutablePath, kern.MainExecutable)
	if err != nil {
		return nil, errs.Halt(errs.Mapping, errs.AbortPayload{TargetDylib: cfg.Process.MainExecutablePath},
			"failed to register main executable: %v", err)
	}

	if err := loader.LoadAll(reg, env, main, kern.MainExecutable); err != nil {
		return nil, errs.Halt(errs.DependencyMissing, errs.AbortPayload{TargetDylib: cfg.Process.MainExecutablePath}, "%v", err)
	}

	engine := fixup.NewEngine(delegate, cache, cfg.Logging.Entry("fixups"))
	engine.SetMainExecutable(main.SelfRef)

	if err := loadInsertedDylibs(reg, env, engine, overrides, cfg.Security.AllowInterposing); err != nil {
		return nil, errs.Halt(errs.DependencyMissing, errs.AbortPayload{TargetDylib: cfg.Process.MainExecutablePath},
			"%v", err)
	}

	if err := applyFixupsInOrder(engine, reg, delegate); err != nil {
		return nil, errs.Halt(errs.SymbolMissing, errs.AbortPayload{TargetDylib: cfg.Process.MainExecutablePath}, "%v", err)
	}

	images := NewAllImageInfos()
	images.Sync(reg)

	cache.AssertWindowClosed("Launch")
	if err := loader.RunInitializers(reg, cfg.Logging.Entry("initializers"), nil, nil); err != nil {
		return nil, errs.Halt(errs.Mapping, errs.AbortPayload{TargetDylib: cfg.Process.MainExecutablePath}, "%v", err)
	}

	return &Result{
		Config:    cfg,
		Registry:  reg,
		Overrides: overrides,
		Cache:     cache,
		Engine:    engine,
		Lock:      lock.New(),
		Images:    images,
		Delegate:  delegate,
		Main:      main,
		SkipMain:  cfg.Security.SkipMain,
	}, nil
}

// applyFixupsInOrder walks the registry in insertion (load) order,
// re-reading each on-disk image's Mach-O once to decode and apply its
// chained fixups, per spec.md §4.G. Images already at FixedUp or later (from
// launch or an earlier Dlopen) are left alone. Cache-resident images are
// never passed to Engine.Apply: this walk only moves them to FixedUp, since
// their fixups were applied at cache-build time.
func applyFixupsInOrder(engine *fixup.Engine, reg *registry.Registry, delegate syscall.Delegate) error {
	var walkErr error
	reg.ForEach(func(img *loader.Image) bool {
		if img.State >= loader.StateFixedUp {
			return true
		}
		if img.Kind == loader.KindCacheResident {
			if err := img.Transition(loader.StateFixedUp); err != nil {
				walkErr = err
				return false
			}
			return true
		}
		data, err := delegate.ReadFile(img.CanonicalPath)
		if err != nil {
			walkErr = fmt.Errorf("fixup: re-reading %s: %w", img.CanonicalPath, err)
			return false
		}
		f, err := macho.NewFile(bytes.NewReader(data))
		if err != nil {
			walkErr = fmt.Errorf("fixup: parsing %s: %w", img.CanonicalPath, err)
			return false
		}
		if _, err := engine.Apply(img, f, reg); err != nil {
			walkErr = err
			return false
		}
		return true
	})
	return walkErr
}

// loadInsertedDylibs processes DYLD_INSERT_LIBRARIES: each inserted path is
// registered and expanded as its own root (mirroring real dyld treating
// every inserted library as an additional initial image), then — when
// AllowInterposing permits it — scanned for a __interpose section before
// any image's fixups are applied, so the interposition table is complete
// by the time Engine.Apply runs.
func loadInsertedDylibs(reg loader.RegistryView, env *loader.Env, engine *fixup.Engine, overrides *pathoverrides.Overrides, allowInterposing bool) error {
	var outerErr error
	overrides.ForEachInsertedDylib(func(path string) bool {
		if !env.Delegate.FileExists(path) {
			outerErr = fmt.Errorf("could not load inserted library: %s", path)
			return false
		}
		data, err := env.Delegate.ReadFile(path)
		if err != nil {
			outerErr = fmt.Errorf("could not load inserted library: %s: %w", path, err)
			return false
		}
		f, err := macho.NewFile(bytes.NewReader(data))
		if err != nil {
			outerErr = fmt.Errorf("could not load inserted library: %s: %w", path, err)
			return false
		}

		img, err := loader.CreateMainExecutable(reg, env, path, f)
		if err != nil {
			outerErr = err
			return false
		}
		img.NeverUnload = true
		if err := loader.LoadAll(reg, env, img, f); err != nil {
			outerErr = err
			return false
		}
		if allowInterposing {
			if err := engine.LoadInterposing(img, f); err != nil {
				outerErr = err
				return false
			}
		}
		return true
	})
	return outerErr
}

// dyldEnvStrings collects every LC_DYLD_ENVIRONMENT payload off the main
// executable, always processed regardless of AllowEnvVarsPath per
// pathoverrides.New's contract.
func dyldEnvStrings(f *macho.File) []string {
	var out []string
	for _, l := range f.Loads {
		if env, ok := l.(*macho.DyldEnvironment); ok {
			out = append(out, env.Name)
		}
	}
	return out
}

// processVersionedPaths ports checkVersionedPath/processVersionedPaths: for
// each direct dependent of the main executable, every configured
// DYLD_VERSIONED_LIBRARY_PATH/DYLD_VERSIONED_FRAMEWORK_PATH directory is
// checked for a same-named file whose LC_ID_DYLIB current_version is no
// older than the version the main executable originally linked against;
// the first such winner registers a versioned override.
func processVersionedPaths(delegate syscall.Delegate, mainExe *macho.File, overrides *pathoverrides.Overrides) error {
	dirs := append(overrides.VersionedDylibPathDirs(), overrides.VersionedFrameworkPathDirs()...)
	if len(dirs) == 0 {
		return nil
	}

	for _, l := range mainExe.Loads {
		dylib, ok := l.(*macho.Dylib)
		if !ok {
			continue
		}
		leaf := pathoverrides.GetLibraryLeafName(dylib.Name)
		for _, dir := range dirs {
			candidate := dir + "/" + leaf
			if !delegate.FileExists(candidate) {
				continue
			}
			data, err := delegate.ReadFile(candidate)
			if err != nil {
				continue
			}
			cf, err := macho.NewFile(bytes.NewReader(data))
			if err != nil {
				continue
			}
			id := cf.DylibID()
			if id == nil {
				continue
			}
			if compareDottedVersions(id.CurrentVersion, dylib.CurrentVersion) >= 0 {
				overrides.AddVersionedOverride(dylib.Name, candidate)
				break
			}
		}
	}
	return nil
}

// compareDottedVersions compares two "A.B.C" version strings component by
// component, treating a missing or unparsable component as 0.
func compareDottedVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := componentAt(as, i), componentAt(bs, i)
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func componentAt(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	v, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0
	}
	return v
}
