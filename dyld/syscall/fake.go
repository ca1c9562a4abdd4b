package syscall

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/blacktop/go-dyld/dyld/commpage"
)

// FakeDelegate is the "test/builder" delegate spec.md §4.A requires: every
// file operation is backed by an in-memory afero filesystem, and platform
// facts (AMFI, comm page, sandbox, shared cache) are fabricated in-process
// so the rest of the loader core can be exercised deterministically.
type FakeDelegate struct {
	mu sync.Mutex

	FS afero.Fs

	openFiles map[int]afero.File
	nextFD    int

	fileIDs map[string]FileID
	nextIno uint64

	amfiFlags       uint32
	sandboxBlocked  map[string]bool
	internalInstall bool
	translated      bool
	bootWritable    bool
	commPage        commpage.Flags

	cache    CacheRawInfo
	hasCache bool
}

// NewFakeDelegate returns an empty in-memory delegate.
func NewFakeDelegate() *FakeDelegate {
	return &FakeDelegate{
		FS:             afero.NewMemMapFs(),
		openFiles:      make(map[int]afero.File),
		nextFD:         3,
		fileIDs:        make(map[string]FileID),
		sandboxBlocked: make(map[string]bool),
		nextIno:        1,
	}
}

// WriteFile seeds the in-memory filesystem with content, assigning a fresh
// synthetic FileID so identity-based dedupe can be exercised in tests.
func (d *FakeDelegate) WriteFile(path string, content []byte, mtime uint64) error {
	if err := afero.WriteFile(d.FS, path, content, 0644); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fileIDs[path] = FileID{Inode: d.nextIno, Mtime: mtime, Valid: true}
	d.nextIno++
	return nil
}

// SetAMFIFlags fixes the AMFI bit-set the fake kernel policy reports for an
// unrestricted, unencrypted main executable.
func (d *FakeDelegate) SetAMFIFlags(flags uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.amfiFlags = flags
}

func (d *FakeDelegate) SetSandboxBlocked(path string, blocked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sandboxBlocked[path] = blocked
}

func (d *FakeDelegate) SetInternalInstall(v bool)    { d.internalInstall = v }
func (d *FakeDelegate) SetTranslated(v bool)         { d.translated = v }
func (d *FakeDelegate) SetBootVolumeWritable(v bool) { d.bootWritable = v }

// SetSharedCache installs a fabricated shared-cache handle returned by
// GetSharedCache.
func (d *FakeDelegate) SetSharedCache(info CacheRawInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = info
	d.hasCache = true
}

func (d *FakeDelegate) Open(path string, writable bool) (int, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	f, err := d.FS.OpenFile(path, flags, 0644)
	if err != nil {
		return -1, err
	}
	d.mu.Lock()
	fd := d.nextFD
	d.nextFD++
	d.openFiles[fd] = f
	d.mu.Unlock()
	return fd, nil
}

func (d *FakeDelegate) Close(fd int) error {
	d.mu.Lock()
	f, ok := d.openFiles[fd]
	delete(d.openFiles, fd)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("syscall: unknown fd %d", fd)
	}
	return f.Close()
}

func (d *FakeDelegate) Pread(fd int, buf []byte, off int64) (int, error) {
	d.mu.Lock()
	f, ok := d.openFiles[fd]
	d.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("syscall: unknown fd %d", fd)
	}
	return f.ReadAt(buf, off)
}

func (d *FakeDelegate) Fstat(fd int) (FileID, error) {
	d.mu.Lock()
	f, ok := d.openFiles[fd]
	d.mu.Unlock()
	if !ok {
		return FileID{}, fmt.Errorf("syscall: unknown fd %d", fd)
	}
	return d.Stat(f.Name())
}

func (d *FakeDelegate) Stat(path string) (FileID, error) {
	d.mu.Lock()
	id, ok := d.fileIDs[path]
	d.mu.Unlock()
	if ok {
		return id, nil
	}
	if _, err := d.FS.Stat(path); err != nil {
		return FileID{}, err
	}
	// Unseeded files (created directly via FS) still get a stable
	// synthetic identity so registry dedupe has something to compare.
	d.mu.Lock()
	id = FileID{Inode: d.nextIno, Mtime: 0, Valid: true}
	d.nextIno++
	d.fileIDs[path] = id
	d.mu.Unlock()
	return id, nil
}

func (d *FakeDelegate) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(d.FS, path)
}

func (d *FakeDelegate) Unlink(path string) error { return d.FS.Remove(path) }

func (d *FakeDelegate) Getcwd() (string, error) { return "/", nil }

func (d *FakeDelegate) Realpath(path string) (string, error) {
	return filepath.Clean(path), nil
}

func (d *FakeDelegate) Readlink(path string) (string, error) {
	return "", fmt.Errorf("syscall: %s is not a symlink", path)
}

func (d *FakeDelegate) FileExists(path string) bool {
	_, err := d.FS.Stat(path)
	return err == nil
}

func (d *FakeDelegate) VMProtect(region ByteRange, writable bool) error { return nil }

func (d *FakeDelegate) Socket() (int, error) { return -1, fmt.Errorf("syscall: networking is not modeled by FakeDelegate") }

func (d *FakeDelegate) Connect(fd int, address string) error {
	return fmt.Errorf("syscall: networking is not modeled by FakeDelegate")
}

func (d *FakeDelegate) Getxattr(path, name string) ([]byte, error) {
	return nil, fmt.Errorf("syscall: xattr %s not set on %s", name, path)
}

func (d *FakeDelegate) Setxattr(path, name string, value []byte) error { return nil }

// AMFIFlags models the kernel's amfi_check_dyld_policy_self: a restricted
// or FairPlay-encrypted binary is granted no allow-bits regardless of the
// configured policy, matching AMFI's actual refusal to relax env-var/path
// overrides for either case.
func (d *FakeDelegate) AMFIFlags(restricted, fairPlayEncrypted bool) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if restricted || fairPlayEncrypted {
		return 0, nil
	}
	return d.amfiFlags, nil
}

func (d *FakeDelegate) IsTranslated() bool       { return d.translated }
func (d *FakeDelegate) InternalInstall() bool    { return d.internalInstall }
func (d *FakeDelegate) BootVolumeWritable() bool { return d.bootWritable }

func (d *FakeDelegate) CommPageFlags() commpage.Flags { return d.commPage }

func (d *FakeDelegate) SetCommPageFlags(f commpage.Flags) error {
	d.commPage = f
	return nil
}

func (d *FakeDelegate) SandboxBlocked(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sandboxBlocked[path]
}

func (d *FakeDelegate) FSGetPath(fsID, objID uint64) (string, error) {
	return "", fmt.Errorf("syscall: no fsID/objID table registered in FakeDelegate")
}

func (d *FakeDelegate) OpenLogFile(path string) (io.WriteCloser, error) {
	return d.FS.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
}

func (d *FakeDelegate) GradedArchs(mainCPUType, mainCPUSubtype int32, keysOff bool) []ArchCandidate {
	return []ArchCandidate{{CPUType: mainCPUType, CPUSubtype: mainCPUSubtype}}
}

func (d *FakeDelegate) GetSharedCache(opts CacheOptions) (CacheRawInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasCache {
		return CacheRawInfo{}, fmt.Errorf("syscall: no shared cache configured")
	}
	return d.cache, nil
}
