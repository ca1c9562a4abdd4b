// Package fixup implements the Fixup Engine of spec.md §4.G: bind-target
// resolution (ordinal lookup, re-export following, interposition,
// weak-def coalescing), pointer writing with arm64e signing, and cache
// patching on behalf of any image that overrides a shared-cache dylib.
//
// It is built directly on the kept pkg/fixupchains package for fixup-
// stream decoding; dyld/loader.PatchEntry plays the role spec.md §3's
// DylibPatch/PatchTable name (placing a separate fixup.DylibPatch type
// here would force this package and dyld/loader to import each other —
// see DESIGN.md).
package fixup

import "github.com/blacktop/go-dyld/dyld/loader"

// PMD is spec.md §3's PointerMetadata: how an arm64e authenticated
// pointer at a given location must be signed.
type PMD struct {
	Diversity        uint16
	UsesAddrDiversity bool
	Key              uint8
	Authenticated    bool
}

// ResolvedSymbol is spec.md §3's sum type, realized as a Go interface with
// a private marker method so only these three variants satisfy it.
type ResolvedSymbol interface {
	isResolvedSymbol()
}

// Rebase is a location rewritten to an image-relative runtime address.
type Rebase struct {
	RuntimeOffset uint64
}

func (Rebase) isResolvedSymbol() {}

// BindToImage is a location bound to a named symbol in a specific
// dependency image (or unresolved, when Target == loader.NoRef and
// IsWeakImport permits a null bind).
type BindToImage struct {
	Target     loader.ImageRef
	HasTarget  bool
	Offset     uint64
	SymbolName string
	IsWeakDef  bool
	IsCode     bool
}

func (BindToImage) isResolvedSymbol() {}

// BindAbsolute is a location bound to a fixed, non-image-relative value.
type BindAbsolute struct {
	Value      uint64
	SymbolName string
}

func (BindAbsolute) isResolvedSymbol() {}

// BindTargetInfo is one entry the chained-fixup stream yields in document
// order, per spec.md §3.
type BindTargetInfo struct {
	TargetIndex int
	FixupOffset uint64
	LibOrdinal  int64
	SymbolName  string
	WeakImport  bool
	LazyBind    bool // chained fixups have no classic lazy stubs; always false
	Addend      int64
	PMD         PMD
	IsRebase    bool
	RebaseValue uint64

	Resolved ResolvedSymbol
}
