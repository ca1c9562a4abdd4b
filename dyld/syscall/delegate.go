// Package syscall abstracts every OS-visible side effect the loader core
// needs behind one interface (spec.md §4.A), with a real-OS implementation
// and an in-memory fake so the rest of the core can be driven without a
// real macOS kernel underneath it.
package syscall

import (
	"io"

	"github.com/blacktop/go-dyld/dyld/commpage"
)

// FileID identifies an on-disk file by inode+mtime. Two identities are
// equal only when both are valid and both fields match (spec.md §3).
type FileID struct {
	Inode uint64
	Mtime uint64
	Valid bool
}

// Equal implements spec.md §3's FileIdentity equality rule.
func (a FileID) Equal(b FileID) bool {
	return a.Valid && b.Valid && a.Inode == b.Inode && a.Mtime == b.Mtime
}

// ArchCandidate is one (cpu_type, cpu_subtype) pair in an architecture
// grading list.
type ArchCandidate struct {
	CPUType    int32
	CPUSubtype int32
}

// CacheOptions mirrors the options bundle spec.md §4.D passes to
// get_shared_cache.
type CacheOptions struct {
	DirOverride       string
	ForcePrivate      bool
	UseHaswell        bool
	Verbose           bool
	EnableRODataConst bool
	PreferCustomer    bool
	ForceDev          bool
	IsTranslated      bool
	Platform          uint32
}

// CacheRawInfo is the raw shared-cache handle the delegate returns;
// dyld/sharedcache.Cache wraps it with the indexed-lookup API.
type CacheRawInfo struct {
	Address        uintptr
	Slide          uintptr
	Path           string
	ObjCOptOffset  uint64
	SwiftOptOffset uint64
	DylibCount     uint32
	Platform       uint32
	OSVersion      uint32

	// DylibPaths is the cache's install-name table, index == cache index.
	DylibPaths []string
	// PatchableExports[idx] lists (vmOffsetOfImpl, exportName) for dylib idx.
	PatchableExports map[uint32][]PatchableExport
	// PatchableUses[idx][vmOffsetOfImpl] lists every recorded cache use site.
	PatchableUses map[uint32]map[uint64][]PatchableUse
	// ConstDataRegions are the file byte ranges tagged __DATA_CONST.
	ConstDataRegions []ByteRange

	// UUID identifies this specific cache build.
	UUID [16]byte
	// DylibUUIDs[idx] is the UUID baked into the Mach-O at cache index idx,
	// used to reconcile an on-disk root against the cache's copy.
	DylibUUIDs map[uint32][16]byte
	// IsCustomer reports whether this is the customer (install) cache as
	// opposed to the development cache variant.
	IsCustomer bool
}

type PatchableExport struct {
	VMOffsetOfImpl uint64
	ExportName     string
}

type PatchableUse struct {
	UseVMOffset uint64
	Addend      int64
	Diversity   uint16
	AddrDiv     bool
	Key         uint8
	Auth        bool
}

type ByteRange struct {
	Start, End uint64
}

// Delegate is the single seam every loader-core side effect crosses.
type Delegate interface {
	// file
	Open(path string, writable bool) (int, error)
	Close(fd int) error
	Pread(fd int, buf []byte, off int64) (int, error)
	Fstat(fd int) (FileID, error)
	Stat(path string) (FileID, error)
	ReadFile(path string) ([]byte, error)
	Unlink(path string) error
	Getcwd() (string, error)
	Realpath(path string) (string, error)
	Readlink(path string) (string, error)
	FileExists(path string) bool

	// memory
	VMProtect(region ByteRange, writable bool) error

	// network (used only by the insert-library/diagnostic path)
	Socket() (int, error)
	Connect(fd int, address string) error

	// extended attributes
	Getxattr(path, name string) ([]byte, error)
	Setxattr(path, name string, value []byte) error

	// platform information
	//
	// restricted/fairPlayEncrypted are derived from the main executable's
	// Mach-O load commands by the caller (spec.md §4.B.2's
	// DyldProcessConfig.cpp:519-523 passes the same two booleans to
	// amfi_check_dyld_policy_self) and let the AMFI policy query account
	// for a binary that opts itself out of env-var/path overrides.
	AMFIFlags(restricted, fairPlayEncrypted bool) (uint32, error)
	IsTranslated() bool
	InternalInstall() bool
	BootVolumeWritable() bool
	CommPageFlags() commpage.Flags
	SetCommPageFlags(commpage.Flags) error
	SandboxBlocked(path string) bool
	FSGetPath(fsID, objID uint64) (string, error)
	OpenLogFile(path string) (io.WriteCloser, error)
	GradedArchs(mainCPUType, mainCPUSubtype int32, keysOff bool) []ArchCandidate
	GetSharedCache(opts CacheOptions) (CacheRawInfo, error)
}
