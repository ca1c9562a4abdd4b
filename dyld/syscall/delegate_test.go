package syscall

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Both implementations must satisfy the same contract.
var (
	_ Delegate = (*FakeDelegate)(nil)
	_ Delegate = (*LiveDelegate)(nil)
)

func TestFakeDelegateFileLifecycle(t *testing.T) {
	d := NewFakeDelegate()
	require.NoError(t, d.WriteFile("/usr/lib/libfoo.dylib", []byte("macho bytes"), 1000))

	require.True(t, d.FileExists("/usr/lib/libfoo.dylib"))
	id, err := d.Stat("/usr/lib/libfoo.dylib")
	require.NoError(t, err)
	require.True(t, id.Valid)
	require.EqualValues(t, 1000, id.Mtime)

	fd, err := d.Open("/usr/lib/libfoo.dylib", false)
	require.NoError(t, err)

	fid, err := d.Fstat(fd)
	require.NoError(t, err)
	require.True(t, fid.Equal(id))

	buf := make([]byte, 5)
	n, err := d.Pread(fd, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "macho", string(buf))

	require.NoError(t, d.Close(fd))
	_, err = d.Pread(fd, buf, 0)
	require.Error(t, err)
}

func TestFakeDelegateUnseededFileGetsStableIdentity(t *testing.T) {
	d := NewFakeDelegate()
	require.NoError(t, d.FS.MkdirAll("/tmp", 0755))
	require.NoError(t, writeViaFS(d, "/tmp/scratch", []byte("x")))

	a, err := d.Stat("/tmp/scratch")
	require.NoError(t, err)
	b, err := d.Stat("/tmp/scratch")
	require.NoError(t, err)
	require.True(t, a.Equal(b))
}

func writeViaFS(d *FakeDelegate, path string, content []byte) error {
	f, err := d.FS.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(content)
	return err
}

func TestFileIDEquality(t *testing.T) {
	a := FileID{Inode: 1, Mtime: 100, Valid: true}
	b := FileID{Inode: 1, Mtime: 100, Valid: true}
	c := FileID{Inode: 1, Mtime: 200, Valid: true}
	invalid := FileID{Inode: 1, Mtime: 100, Valid: false}

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(invalid))
	require.False(t, invalid.Equal(invalid))
}

func TestFakeDelegatePlatformFacts(t *testing.T) {
	d := NewFakeDelegate()
	d.SetAMFIFlags(0x3)
	d.SetSandboxBlocked("/private/var/secret", true)
	d.SetTranslated(true)

	flags, err := d.AMFIFlags(false, false)
	require.NoError(t, err)
	require.EqualValues(t, 0x3, flags)

	restrictedFlags, err := d.AMFIFlags(true, false)
	require.NoError(t, err)
	require.Zero(t, restrictedFlags)

	require.True(t, d.SandboxBlocked("/private/var/secret"))
	require.False(t, d.SandboxBlocked("/bin/app"))
	require.True(t, d.IsTranslated())

	f := d.CommPageFlags().WithForceCustomerCache(true)
	require.NoError(t, d.SetCommPageFlags(f))
	require.True(t, d.CommPageFlags().ForceCustomerCache())
}

func TestFakeDelegateSharedCache(t *testing.T) {
	d := NewFakeDelegate()
	_, err := d.GetSharedCache(CacheOptions{})
	require.Error(t, err)

	d.SetSharedCache(CacheRawInfo{
		Path:       "/System/Library/dyld/dyld_shared_cache_arm64e",
		DylibCount: 2,
		DylibPaths: []string{"/usr/lib/libSystem.B.dylib", "/usr/lib/libobjc.A.dylib"},
	})
	info, err := d.GetSharedCache(CacheOptions{})
	require.NoError(t, err)
	require.Len(t, info.DylibPaths, 2)
}
