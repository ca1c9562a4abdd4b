package syscall

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/blacktop/go-dyld/dyld/commpage"
)

// LiveDelegate forwards every entry point to the underlying OS via
// golang.org/x/sys/unix. A real comm page is a kernel-mapped shared-memory
// region this process can't allocate from user space in a portable Go
// build; it is simulated here as a single atomic word (see DESIGN.md).
type LiveDelegate struct {
	mu           sync.Mutex
	fds          map[int]*os.File
	nextFD       int
	commPage     atomic.Uint64
	internalInst bool
	translated   bool
	bootWritable bool
}

// NewLiveDelegate constructs a delegate backed by real OS syscalls.
func NewLiveDelegate() *LiveDelegate {
	return &LiveDelegate{fds: make(map[int]*os.File), nextFD: 3}
}

func (d *LiveDelegate) Open(path string, writable bool) (int, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return -1, err
	}
	d.mu.Lock()
	fd := d.nextFD
	d.nextFD++
	d.fds[fd] = f
	d.mu.Unlock()
	return fd, nil
}

func (d *LiveDelegate) Close(fd int) error {
	d.mu.Lock()
	f, ok := d.fds[fd]
	delete(d.fds, fd)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("syscall: unknown fd %d", fd)
	}
	return f.Close()
}

func (d *LiveDelegate) Pread(fd int, buf []byte, off int64) (int, error) {
	d.mu.Lock()
	f, ok := d.fds[fd]
	d.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("syscall: unknown fd %d", fd)
	}
	return f.ReadAt(buf, off)
}

func (d *LiveDelegate) Fstat(fd int) (FileID, error) {
	d.mu.Lock()
	f, ok := d.fds[fd]
	d.mu.Unlock()
	if !ok {
		return FileID{}, fmt.Errorf("syscall: unknown fd %d", fd)
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return FileID{}, err
	}
	return FileID{Inode: st.Ino, Mtime: uint64(st.Mtim.Sec), Valid: true}, nil
}

func (d *LiveDelegate) Stat(path string) (FileID, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return FileID{}, err
	}
	return FileID{Inode: st.Ino, Mtime: uint64(st.Mtim.Sec), Valid: true}, nil
}

func (d *LiveDelegate) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (d *LiveDelegate) Unlink(path string) error { return os.Remove(path) }

func (d *LiveDelegate) Getcwd() (string, error) { return os.Getwd() }

func (d *LiveDelegate) Realpath(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}

func (d *LiveDelegate) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

func (d *LiveDelegate) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (d *LiveDelegate) VMProtect(region ByteRange, writable bool) error {
	// A real vm_protect call operates on mapped process memory; there is
	// no portable Go equivalent for arbitrary file-backed regions outside
	// an actual mmap. This delegate documents the call rather than
	// performing it, matching the Halt/abort_with_payload stub note in
	// DESIGN.md for the same reason.
	return nil
}

func (d *LiveDelegate) Socket() (int, error) {
	return unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
}

func (d *LiveDelegate) Connect(fd int, address string) error {
	return unix.Connect(fd, &unix.SockaddrUnix{Name: address})
}

func (d *LiveDelegate) Getxattr(path, name string) ([]byte, error) {
	size, err := unix.Getxattr(path, name, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := unix.Getxattr(path, name, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *LiveDelegate) Setxattr(path, name string, value []byte) error {
	return unix.Setxattr(path, name, value, 0)
}

func (d *LiveDelegate) AMFIFlags(restricted, fairPlayEncrypted bool) (uint32, error) {
	// A live process would pass restricted/fairPlayEncrypted into the AMFI
	// kernel extension's amfi_check_dyld_policy_self; no portable Go
	// syscall exposes that routine, so the live delegate reports "no
	// allow-bits" unconditionally and defers all security policy to
	// Security's own Mach-O-derived flags.
	return 0, nil
}

func (d *LiveDelegate) IsTranslated() bool       { return d.translated }
func (d *LiveDelegate) InternalInstall() bool    { return d.internalInst }
func (d *LiveDelegate) BootVolumeWritable() bool { return d.bootWritable }

func (d *LiveDelegate) CommPageFlags() commpage.Flags {
	return commpage.Flags(d.commPage.Load())
}

func (d *LiveDelegate) SetCommPageFlags(f commpage.Flags) error {
	d.commPage.Store(uint64(f))
	return nil
}

func (d *LiveDelegate) SandboxBlocked(path string) bool { return false }

func (d *LiveDelegate) FSGetPath(fsID, objID uint64) (string, error) {
	return "", fmt.Errorf("syscall: fsgetpath not available outside the Darwin kernel ABI")
}

func (d *LiveDelegate) OpenLogFile(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
}

func (d *LiveDelegate) GradedArchs(mainCPUType, mainCPUSubtype int32, keysOff bool) []ArchCandidate {
	return []ArchCandidate{{CPUType: mainCPUType, CPUSubtype: mainCPUSubtype}}
}

func (d *LiveDelegate) GetSharedCache(opts CacheOptions) (CacheRawInfo, error) {
	return CacheRawInfo{}, fmt.Errorf("syscall: no shared cache available on this host")
}
