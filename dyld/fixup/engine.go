package fixup

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	macho "github.com/blacktop/go-dyld"
	"github.com/blacktop/go-dyld/dyld/loader"
	"github.com/blacktop/go-dyld/dyld/sharedcache"
	"github.com/blacktop/go-dyld/dyld/syscall"
	"github.com/blacktop/go-dyld/pkg/fixupchains"
	"github.com/blacktop/go-dyld/types"
)

// interposeEntry is one registered symbolic interposition: binds to
// SymbolName anywhere but in the interposer itself resolve to Replacement
// instead of the symbol's real definition.
type interposeEntry struct {
	Replacement uint64
	By          loader.ImageRef
}

// CachePatchResult records one cache-resident use site rewritten on behalf
// of an overriding image's patch table, the visible trace of spec.md
// §4.F/§4.G's cache-patching step.
type CachePatchResult struct {
	OverrideIndex uint32
	ExportName    string
	UseVMOffset   uint64
	NewValue      uint64
}

// Engine is the Fixup Engine of spec.md §4.G: one instance per launch,
// shared by every image's Apply call so weak-def coalescing and
// interposition stay process-wide.
type Engine struct {
	Delegate syscall.Delegate
	Cache    *sharedcache.Cache
	Log      *logrus.Entry

	MainExecutable loader.ImageRef

	weakWinners map[string]loader.ImageRef
	interposed  map[string]interposeEntry

	CachePatches []CachePatchResult
}

// NewEngine builds an Engine ready to fix up images in load order.
func NewEngine(delegate syscall.Delegate, cache *sharedcache.Cache, log *logrus.Entry) *Engine {
	return &Engine{
		Delegate:       delegate,
		Cache:          cache,
		Log:            log,
		MainExecutable: loader.NoRef,
		weakWinners:    make(map[string]loader.ImageRef),
		interposed:     make(map[string]interposeEntry),
	}
}

// SetMainExecutable records which image answers BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE.
func (e *Engine) SetMainExecutable(ref loader.ImageRef) { e.MainExecutable = ref }

// LoadInterposing scans an already-loaded image's __interpose section (the
// DYLD_INSERT_LIBRARIES mechanism) and registers every (replacement,
// replacee) tuple it can resolve to one of the image's own exported
// symbols. Interposition registered this way applies to every subsequent
// Apply call except the interposer's own binds (spec.md §4.G).
func (e *Engine) LoadInterposing(img *loader.Image, f *macho.File) error {
	sec := f.Section("__DATA", "__interpose")
	if sec == nil {
		sec = f.Section("__DATA_CONST", "__interpose")
	}
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return err
	}
	byAddr := make(map[uint64]string)
	if entries, eerr := f.DyldExports(); eerr == nil {
		for _, ent := range entries {
			byAddr[ent.Address] = ent.Name
		}
	}
	const tupleSize = 16 // {replacement uint64; replacee uint64}
	for off := 0; off+tupleSize <= len(data); off += tupleSize {
		replacement := f.ByteOrder.Uint64(data[off:])
		replacee := f.ByteOrder.Uint64(data[off+8:])
		name, ok := byAddr[replacee]
		if !ok {
			continue
		}
		e.interposed[name] = interposeEntry{Replacement: replacement, By: img.SelfRef}
	}
	return nil
}

// Apply decodes img's chained-fixup stream, resolves every bind target,
// records the write each fixup location would receive, and — when img
// overrides a shared-cache dylib — patches every cache use site of the
// symbols it overrides. It advances img to StateFixedUp on success.
func (e *Engine) Apply(img *loader.Image, f *macho.File, reg loader.RegistryView) ([]BindTargetInfo, error) {
	if img.Kind == loader.KindCacheResident {
		// Cache-resident images were fixed up once, at cache-build time;
		// nothing to decode here.
		return nil, img.Transition(loader.StateFixedUp)
	}
	if !f.HasFixups() {
		return nil, img.Transition(loader.StateFixedUp)
	}

	dcf, err := f.DyldChainedFixups()
	if err != nil {
		return nil, fmt.Errorf("fixup: %s: %w", img.CanonicalPath, err)
	}

	var results []BindTargetInfo
	var applyErr error
	dcf.ForEachFixup(func(offset uint64, fx fixupchains.Fixup) bool {
		bti := BindTargetInfo{FixupOffset: offset}
		if auth, ok := fx.(fixupchains.Auth); ok {
			bti.PMD = PMD{
				Diversity:         uint16(auth.Diversity()),
				UsesAddrDiversity: auth.AddrDiv(),
				Key:               auth.Key(),
				Authenticated:     true,
			}
		}

		switch v := fx.(type) {
		case fixupchains.Bind:
			ord := int(v.Ordinal())
			if ord < 0 || ord >= len(dcf.Imports) {
				applyErr = fmt.Errorf("fixup: bind ordinal %d out of range in %s", ord, img.CanonicalPath)
				return false
			}
			imp := dcf.Imports[ord]
			libOrdinal, weak := libOrdinalOf(imp.Import)
			bti.LibOrdinal = libOrdinal
			bti.SymbolName = imp.Name
			bti.WeakImport = weak
			bti.Addend = addendOf(v, imp.Import)

			resolved, rerr := e.resolveBind(img, reg, bti)
			if rerr != nil {
				applyErr = rerr
				return false
			}
			bti.Resolved = resolved
		case fixupchains.Rebase:
			bti.IsRebase = true
			bti.RebaseValue = v.Target()
			bti.Resolved = Rebase{RuntimeOffset: v.Target()}
		default:
			return true
		}
		results = append(results, bti)
		return true
	})
	if applyErr != nil {
		return nil, applyErr
	}

	if img.Written == nil {
		img.Written = make(map[uint64]uint64, len(results))
	}
	for _, bti := range results {
		value := e.valueOf(img, bti, reg)
		img.Written[bti.FixupOffset] = value
		e.trace(img, bti, value, reg)
	}

	if err := img.Transition(loader.StateFixedUp); err != nil {
		return nil, err
	}
	img.FixUpsApplied = true

	if img.OverridesCache {
		if err := e.PatchCacheUsers(img); err != nil {
			return results, err
		}
	}
	return results, nil
}

// resolveBind dispatches on the classic lib_ordinal scheme spec.md §4.G
// describes: the three special ordinals, or a positive index into img's
// already-resolved Deps edges.
func (e *Engine) resolveBind(img *loader.Image, reg loader.RegistryView, bti BindTargetInfo) (ResolvedSymbol, error) {
	switch bti.LibOrdinal {
	case int64(types.BIND_SPECIAL_DYLIB_SELF):
		return e.lookupInImage(img, img.SelfRef, reg, bti)
	case int64(types.BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE):
		if e.MainExecutable == loader.NoRef {
			return nil, fmt.Errorf("fixup: no main executable registered for %s", img.CanonicalPath)
		}
		return e.lookupInImage(img, e.MainExecutable, reg, bti)
	case int64(types.BIND_SPECIAL_DYLIB_FLAT_LOOKUP):
		return e.flatLookup(reg, bti)
	case int64(types.BIND_SPECIAL_DYLIB_WEAK_LOOKUP):
		return e.weakLookup(img, reg, bti)
	default:
		idx := int(bti.LibOrdinal) - 1
		if idx < 0 || idx >= len(img.Deps) {
			if bti.WeakImport {
				return BindToImage{SymbolName: bti.SymbolName}, nil
			}
			return nil, fmt.Errorf("fixup: lib ordinal %d out of range for %s", bti.LibOrdinal, img.CanonicalPath)
		}
		dep := img.Deps[idx]
		if dep.Missing {
			if bti.WeakImport {
				return BindToImage{SymbolName: bti.SymbolName}, nil
			}
			return nil, fmt.Errorf("fixup: dependency for lib ordinal %d missing in %s", bti.LibOrdinal, img.CanonicalPath)
		}
		return e.lookupInImage(img, dep.Child, reg, bti)
	}
}

// lookupInImage resolves a symbol in a specific target image, honoring any
// registered interposition (never applied to the interposer's own binds).
func (e *Engine) lookupInImage(img *loader.Image, target loader.ImageRef, reg loader.RegistryView, bti BindTargetInfo) (ResolvedSymbol, error) {
	if entry, ok := e.interposed[bti.SymbolName]; ok && entry.By != img.SelfRef {
		return BindAbsolute{Value: entry.Replacement, SymbolName: bti.SymbolName}, nil
	}

	targetImg := imageByRef(reg, target)
	if targetImg == nil {
		return nil, fmt.Errorf("fixup: unresolved target image binding %q from %s", bti.SymbolName, img.CanonicalPath)
	}
	addr, ok := e.exportAddress(targetImg, bti.SymbolName)
	if !ok {
		if bti.WeakImport {
			return BindToImage{SymbolName: bti.SymbolName}, nil
		}
		return nil, fmt.Errorf("Symbol not found: %s\n  Referenced from: %s\n  Expected in: %s",
			bti.SymbolName, img.CanonicalPath, targetImg.CanonicalPath)
	}
	_, isWeakWinner := e.weakWinners[bti.SymbolName]
	return BindToImage{
		Target:     target,
		HasTarget:  true,
		Offset:     addr,
		SymbolName: bti.SymbolName,
		IsWeakDef:  isWeakWinner && e.weakWinners[bti.SymbolName] == target,
	}, nil
}

// flatLookup implements BIND_SPECIAL_DYLIB_FLAT_LOOKUP: the first image in
// registry (load) order exporting the symbol wins.
func (e *Engine) flatLookup(reg loader.RegistryView, bti BindTargetInfo) (ResolvedSymbol, error) {
	var resolved ResolvedSymbol
	reg.ForEach(func(img *loader.Image) bool {
		addr, ok := e.exportAddress(img, bti.SymbolName)
		if !ok {
			return true
		}
		resolved = BindToImage{Target: img.SelfRef, HasTarget: true, Offset: addr, SymbolName: bti.SymbolName}
		return false
	})
	if resolved == nil {
		if bti.WeakImport {
			return BindToImage{SymbolName: bti.SymbolName}, nil
		}
		return nil, fmt.Errorf("Symbol not found (flat lookup): %s", bti.SymbolName)
	}
	return resolved, nil
}

// weakLookup implements BIND_SPECIAL_DYLIB_WEAK_LOOKUP: the first definer
// encountered process-wide wins and every later weak-bind of the same
// symbol coalesces onto it, recorded incrementally in e.weakWinners as
// each new symbol is first seen.
func (e *Engine) weakLookup(img *loader.Image, reg loader.RegistryView, bti BindTargetInfo) (ResolvedSymbol, error) {
	if ref, ok := e.weakWinners[bti.SymbolName]; ok {
		return e.lookupInImage(img, ref, reg, bti)
	}
	resolved, err := e.flatLookup(reg, bti)
	if err != nil {
		return resolved, err
	}
	if bt, ok := resolved.(BindToImage); ok && bt.HasTarget {
		bt.IsWeakDef = true
		e.weakWinners[bti.SymbolName] = bt.Target
		// HasOverriddenCachedDylib short-circuits this scan: if nothing has
		// ever overridden a cache dylib, the cache's own weak exports are
		// still the only copies in play and there is nothing to patch.
		if targetImg := imageByRef(reg, bt.Target); targetImg != nil && targetImg.Kind != loader.KindCacheResident && reg.HasOverriddenCachedDylib() {
			// The process-wide winner is a fresh, non-cache definition of a
			// symbol the shared cache itself also exports weakly, so every
			// cache-internal use that still points at the cache's own copy
			// must be rewritten to the coalesced winner.
			if err := e.cacheWeakDefFixup(bti.SymbolName, targetImg.MappedBase+bt.Offset); err != nil {
				return resolved, err
			}
		}
		return bt, nil
	}
	return resolved, nil
}

// cacheWeakDefFixup implements spec.md §4.G's weak-def-shadow case: when a
// coalesced strong/weak winner outside the shared cache shadows one of the
// cache's own weak exports, every patchable use of that export across
// every cache dylib is rewritten to the winner's resolved address, under
// the same __DATA_CONST write window PatchCacheUsers uses for explicit
// override registration.
func (e *Engine) cacheWeakDefFixup(symbolName string, newValue uint64) error {
	if e.Cache == nil {
		return nil
	}

	var opened bool
	for idx := uint32(0); idx < e.Cache.DylibCount(); idx++ {
		var vmOffset uint64
		var has bool
		e.Cache.ForEachPatchableExport(idx, func(exp syscall.PatchableExport) bool {
			if exp.ExportName == symbolName {
				vmOffset, has = exp.VMOffsetOfImpl, true
				return false
			}
			return true
		})
		if !has {
			continue
		}

		if !opened {
			if err := e.Cache.MakeDataConstWritable(e.Delegate, e.Log, true); err != nil {
				return err
			}
			opened = true
		}

		e.Cache.ForEachPatchableUseOfExport(idx, vmOffset, func(use syscall.PatchableUse) bool {
			patched := uint64(int64(newValue) + use.Addend)
			e.CachePatches = append(e.CachePatches, CachePatchResult{
				OverrideIndex: idx,
				ExportName:    symbolName,
				UseVMOffset:   use.UseVMOffset,
				NewValue:      patched,
			})
			if e.Log != nil {
				e.Log.WithFields(logrus.Fields{
					"export": symbolName,
					"use":    fmt.Sprintf("0x%x", use.UseVMOffset),
					"value":  fmt.Sprintf("0x%x", patched),
				}).Debug("patched cache weak-def use")
			}
			return true
		})
	}
	if opened {
		return e.Cache.MakeDataConstWritable(e.Delegate, e.Log, false)
	}
	return nil
}

// exportAddress looks up name in img's export set: the patchable-export
// table for a cache-resident image, or a fresh read of the Mach-O exports
// trie for an on-disk one. Re-reading on every lookup trades speed for
// keeping Image free of a cached, potentially-stale export map.
func (e *Engine) exportAddress(img *loader.Image, name string) (uint64, bool) {
	if img.Kind == loader.KindCacheResident {
		if e.Cache == nil {
			return 0, false
		}
		var addr uint64
		var found bool
		e.Cache.ForEachPatchableExport(img.CacheIndex, func(exp syscall.PatchableExport) bool {
			if exp.ExportName == name {
				addr, found = exp.VMOffsetOfImpl, true
				return false
			}
			return true
		})
		return addr, found
	}

	f, err := readMachOFile(e.Delegate, img.CanonicalPath)
	if err != nil {
		return 0, false
	}
	entries, err := f.DyldExports()
	if err != nil {
		return 0, false
	}
	for _, ent := range entries {
		if ent.Name == name {
			return ent.Address, true
		}
	}
	return 0, false
}

// valueOf computes the pointer value a fixup location should receive,
// signing it when the fixup stream marked it authenticated.
func (e *Engine) valueOf(img *loader.Image, bti BindTargetInfo, reg loader.RegistryView) uint64 {
	value := e.rawValueOf(img, bti, reg)
	if bti.PMD.Authenticated {
		return Sign(value, img.MappedBase+bti.FixupOffset, bti.PMD)
	}
	return value
}

// rawValueOf computes the unsigned pointer value, before any arm64e
// authentication Sign would apply.
func (e *Engine) rawValueOf(img *loader.Image, bti BindTargetInfo, reg loader.RegistryView) uint64 {
	if bti.IsRebase {
		return img.MappedBase + bti.RebaseValue
	}
	switch r := bti.Resolved.(type) {
	case BindToImage:
		if !r.HasTarget {
			return 0
		}
		targetImg := imageByRef(reg, r.Target)
		if targetImg == nil {
			return 0
		}
		return uint64(int64(targetImg.MappedBase+r.Offset) + bti.Addend)
	case BindAbsolute:
		return uint64(int64(r.Value) + bti.Addend)
	case Rebase:
		return img.MappedBase + r.RuntimeOffset
	default:
		return 0
	}
}

// Sign computes the arm64e-authenticated pointer value for a fixup
// location — the single primitive Design Notes §9 asks to isolate so it
// can be swapped for a hardware PAC instruction on a platform that has
// one. No portable Go syscall reaches the AArch64 PAC instructions, so
// this is the software stub every FakeDelegate-backed test build
// exercises: the low 48 bits keep the real pointer value, a synthetic
// signature folded from the diversity data occupies bits 48-62, and bit
// 63 is set as the authentication tag.
func Sign(value uint64, slotAddr uint64, pmd PMD) uint64 {
	if !pmd.Authenticated {
		return value
	}
	diversity := uint64(pmd.Diversity)
	if pmd.UsesAddrDiversity {
		diversity ^= slotAddr
	}
	mix := (diversity ^ uint64(pmd.Key)<<56) * 0x9E3779B97F4A7C15
	sig := (mix >> 48) & 0x7FFF
	return (value & 0x0000FFFFFFFFFFFF) | (sig << 48) | (1 << 63)
}

// trace emits one logrus debug line per fixup, the DYLD_PRINT_FIXUPS-style
// record spec.md §4.G's logging category describes.
func (e *Engine) trace(img *loader.Image, bti BindTargetInfo, value uint64, reg loader.RegistryView) {
	if e.Log == nil {
		return
	}
	leaf := filepath.Base(img.CanonicalPath)
	addr := img.MappedBase + bti.FixupOffset

	var line string
	if bti.IsRebase {
		line = fmt.Sprintf("rebase: *0x%x = 0x%x (*%s+0x%x = 0x%x+0x%x)",
			addr, value, leaf, bti.FixupOffset, img.MappedBase, bti.RebaseValue)
	} else {
		targetLeaf := "?"
		if bt, ok := bti.Resolved.(BindToImage); ok && bt.HasTarget {
			if targetImg := imageByRef(reg, bt.Target); targetImg != nil {
				targetLeaf = filepath.Base(targetImg.CanonicalPath)
			}
		}
		line = fmt.Sprintf("bind: *0x%x = 0x%x (*%s+0x%x = %s/%s)",
			addr, value, leaf, bti.FixupOffset, targetLeaf, bti.SymbolName)
	}
	if bti.PMD.Authenticated {
		line += fmt.Sprintf(" (JOP: diversity=0x%x, addr-div=%t, key=%d)", bti.PMD.Diversity, bti.PMD.UsesAddrDiversity, bti.PMD.Key)
	}
	e.Log.WithField("image", img.CanonicalPath).Debug(line)
}

// PatchCacheUsers rewrites every shared-cache use site of a symbol img
// overrides, per spec.md §4.D/§4.G: it opens the __DATA_CONST write window
// just long enough to apply img's patch table, then reseals it.
func (e *Engine) PatchCacheUsers(img *loader.Image) error {
	if e.Cache == nil || !img.OverridesCache || len(img.PatchTable) == 0 {
		return nil
	}
	if err := e.Cache.MakeDataConstWritable(e.Delegate, e.Log, true); err != nil {
		return err
	}
	defer e.Cache.MakeDataConstWritable(e.Delegate, e.Log, false)

	for _, entry := range img.PatchTable {
		var vmOffset uint64
		var has bool
		e.Cache.ForEachPatchableExport(img.OverrideIndex, func(exp syscall.PatchableExport) bool {
			if exp.ExportName == entry.ExportName {
				vmOffset, has = exp.VMOffsetOfImpl, true
				return false
			}
			return true
		})
		if !has {
			continue
		}

		var newValue uint64
		if entry.OverrideOffsetImpl != 0 {
			newValue = uint64(int64(img.PreferredBase) + entry.OverrideOffsetImpl)
		}

		e.Cache.ForEachPatchableUseOfExport(img.OverrideIndex, vmOffset, func(use syscall.PatchableUse) bool {
			patched := uint64(int64(newValue) + use.Addend)
			e.CachePatches = append(e.CachePatches, CachePatchResult{
				OverrideIndex: img.OverrideIndex,
				ExportName:    entry.ExportName,
				UseVMOffset:   use.UseVMOffset,
				NewValue:      patched,
			})
			if e.Log != nil {
				e.Log.WithFields(logrus.Fields{
					"export": entry.ExportName,
					"use":    fmt.Sprintf("0x%x", use.UseVMOffset),
					"value":  fmt.Sprintf("0x%x", patched),
				}).Debug("patched cache use")
			}
			return true
		})
	}
	return nil
}

// libOrdinalOf extracts the classic lib_ordinal (BIND_SPECIAL_DYLIB_* or a
// positive 1-based dependency index) from a chained-import record. The raw
// field is an unsigned bit-width-dependent value (8 bits for the 32-bit
// import encodings, 16 bits for the 64-bit ones); the special ordinals
// appear as that width's all-ones values, so the result must be sign
// extended from the actual field width, not from a fixed 8 or 16 bits.
func libOrdinalOf(imp interface{}) (ordinal int64, weak bool) {
	switch v := imp.(type) {
	case fixupchains.DyldChainedImport:
		return signExtend(uint64(v.LibOrdinal()), 8), v.WeakImport()
	case fixupchains.DyldChainedImport64:
		return signExtend(v.LibOrdinal(), 16), v.WeakImport()
	case fixupchains.DyldChainedImportAddend:
		return signExtend(uint64(v.LibOrdinal()), 8), v.WeakImport()
	case fixupchains.DyldChainedImportAddend64:
		return signExtend(v.LibOrdinal(), 16), v.WeakImport()
	default:
		return 0, false
	}
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// addendOf combines a fixup's own encoded addend (arm64e/bind24 formats
// carry one directly on the pointer) with any addend baked into the
// import-table entry itself (the ADDEND/ADDEND64 encodings).
func addendOf(fx fixupchains.Fixup, imp interface{}) int64 {
	var total int64
	switch v := imp.(type) {
	case fixupchains.DyldChainedImportAddend:
		total += int64(v.Addend)
	case fixupchains.DyldChainedImportAddend64:
		total += int64(v.Addend)
	}
	switch v := fx.(type) {
	case interface{ SignExtendedAddend() int64 }:
		total += v.SignExtendedAddend()
	case interface{ Addend() uint64 }:
		total += int64(v.Addend())
	}
	return total
}

func imageByRef(reg loader.RegistryView, ref loader.ImageRef) *loader.Image {
	if ref == loader.NoRef {
		return nil
	}
	var found *loader.Image
	reg.ForEach(func(img *loader.Image) bool {
		if img.SelfRef == ref {
			found = img
			return false
		}
		return true
	})
	return found
}

func readMachOFile(delegate syscall.Delegate, path string) (*macho.File, error) {
	data, err := delegate.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return macho.NewFile(bytes.NewReader(data))
}
