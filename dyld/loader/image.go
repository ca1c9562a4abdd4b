// Package loader implements the Image Loader of spec.md §4.F: the
// per-image load protocol (create, load dependents, apply fixups, run
// initializers), its dependency graph, and override/patch-table
// construction for images that root a shared-cache dylib.
package loader

import (
	"fmt"

	"github.com/blacktop/go-dyld/dyld/syscall"
)

// Kind discriminates the two loader implementations spec.md §4.F
// describes sharing one interface, realized here as a tagged variant
// instead of virtual dispatch (Design Notes §9).
type Kind int

const (
	KindOnDisk Kind = iota
	KindCacheResident
)

func (k Kind) String() string {
	if k == KindCacheResident {
		return "cache-resident"
	}
	return "on-disk"
}

// State is the load-protocol state machine: Created → DepsSet → FixedUp →
// Initing → Inited, no backward transitions.
type State int

const (
	StateCreated State = iota
	StateDepsSet
	StateFixedUp
	StateIniting
	StateInited
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateDepsSet:
		return "DepsSet"
	case StateFixedUp:
		return "FixedUp"
	case StateIniting:
		return "Initing"
	case StateInited:
		return "Inited"
	default:
		return "Unknown"
	}
}

// EdgeKind is one of the four dependency-edge flavors spec.md §3 names.
type EdgeKind int

const (
	EdgeNormal EdgeKind = iota
	EdgeWeak
	EdgeReexport
	EdgeUpward
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeWeak:
		return "weak"
	case EdgeReexport:
		return "reexport"
	case EdgeUpward:
		return "upward"
	default:
		return "normal"
	}
}

// ImageRef is an index into the registry's dense image vector — edges are
// stored as indices, not pointers, so the registry remains the single
// owner of every Image (Design Notes §9).
type ImageRef int

// NoRef marks an edge whose target could not be resolved (a permitted
// weak-missing dependency).
const NoRef ImageRef = -1

// DependencyEdge records one dependency relationship discovered while
// loading Parent.
type DependencyEdge struct {
	Parent  ImageRef
	Child   ImageRef
	Kind    EdgeKind
	Missing bool // true when Kind == EdgeWeak and the child could not be found
	RawPath string
}

// PatchEntry is one spec.md §3 DylibPatch — a signed offset from the
// overriding image's base to the replacement implementation.
type PatchEntry struct {
	ExportName         string
	OverrideOffsetImpl int64 // 0 => patch cache users to NULL
}

// Image is the realization of spec.md §3's Image record.
type Image struct {
	Kind  Kind
	State State

	CanonicalPath  string
	AltInstallName string
	FileID         syscall.FileID

	SliceOffset     int64
	MappedBase      uint64
	PreferredBase   uint64
	Slide           uint64
	ExportsOffset   uint64
	ExportsSize     uint64

	// Classification flags, set at Create time.
	InCache          bool
	OverridesCache   bool
	OverrideIndex    uint32
	NeverUnload      bool
	LeaveMapped      bool
	HasReadOnlyData  bool
	AllDepsAreNormal bool
	AltInstallNameOK bool // true iff AltInstallName should be consulted by MatchesPath
	Hidden           bool
	HasObjC          bool
	MayHavePlusLoad  bool

	FixUpsApplied bool
	Inited        bool
	initing       bool // being-inited guard (spec.md §4.F reentrant beginInitializers)

	SelfRef ImageRef
	Deps    []DependencyEdge

	PatchTable       []PatchEntry
	UnzipperedTwin   []PatchEntry // secondary table for iOSMac unzippered macOS twin

	CacheIndex uint32 // valid when Kind == KindCacheResident

	// Written records every fixup location this image has had a value
	// written to, keyed by file offset — the simulator's stand-in for
	// "the pointer at this address now holds this value".
	Written map[uint64]uint64

	// Unloaded marks an image dlclose'd after launch. The registry stays
	// append-only (ImageRef indices must never move), so unload is a flag
	// rather than a removal; unloaded images are skipped by path/identity
	// lookups performed through the registry's higher-level helpers.
	Unloaded bool
}

// transitions enumerates the only legal forward moves.
var transitions = map[State]State{
	StateCreated:  StateDepsSet,
	StateDepsSet:  StateFixedUp,
	StateFixedUp:  StateIniting,
	StateIniting:  StateInited,
}

// Transition advances the state machine, refusing any move that is not the
// single legal next step.
func (img *Image) Transition(next State) error {
	want, ok := transitions[img.State]
	if !ok || want != next {
		return fmt.Errorf("loader: illegal transition %s -> %s for %q", img.State, next, img.CanonicalPath)
	}
	img.State = next
	return nil
}

// MatchesPath implements spec.md §4.F's matchesPath: byte-exact canonical
// path match, or install-name match when AltInstallNameOK.
func (img *Image) MatchesPath(p string) bool {
	if img.CanonicalPath == p {
		return true
	}
	return img.AltInstallNameOK && img.AltInstallName == p
}

// BeginInitializers guards reentrant initializer runs: returns
// alreadyInProgress=true instead of running initializers twice when called
// while this image's own initializers are already executing (spec.md
// §4.F.4 / §5's reentrant-dlopen-during-initializers rule).
func (img *Image) BeginInitializers() (alreadyInProgress bool) {
	if img.initing {
		return true
	}
	img.initing = true
	return false
}

// EndInitializers clears the being-inited guard once this image's
// initializers have run to completion.
func (img *Image) EndInitializers() {
	img.initing = false
}
