package procconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	macho "github.com/blacktop/go-dyld"
	"github.com/blacktop/go-dyld/dyld/syscall"
)

func TestIsRestrictedDetectsRestrictSegment(t *testing.T) {
	assert.False(t, isRestricted(nil))
	assert.False(t, isRestricted(&macho.File{}))

	f := &macho.File{FileTOC: macho.FileTOC{Loads: []macho.Load{
		&macho.Segment{SegmentHeader: macho.SegmentHeader{Name: "__RESTRICT"}},
	}}}
	assert.True(t, isRestricted(f))
}

func TestIsFairPlayEncryptedDetectsNonZeroCryptID(t *testing.T) {
	assert.False(t, isFairPlayEncrypted(nil))
	assert.False(t, isFairPlayEncrypted(&macho.File{}))

	notYetEncrypted := &macho.File{FileTOC: macho.FileTOC{Loads: []macho.Load{
		&macho.EncryptionInfo64{CryptID: 0},
	}}}
	assert.False(t, isFairPlayEncrypted(notYetEncrypted))

	encrypted := &macho.File{FileTOC: macho.FileTOC{Loads: []macho.Load{
		&macho.EncryptionInfo64{CryptID: 1},
	}}}
	assert.True(t, isFairPlayEncrypted(encrypted))

	encrypted32 := &macho.File{FileTOC: macho.FileTOC{Loads: []macho.Load{
		&macho.EncryptionInfo{CryptID: 1},
	}}}
	assert.True(t, isFairPlayEncrypted(encrypted32))
}

func TestGetAMFIZeroesFlagsForRestrictedMainExecutable(t *testing.T) {
	d := syscall.NewFakeDelegate()
	d.SetAMFIFlags(0x7f)

	unrestricted := &Process{MainExecutable: &macho.File{}}
	flags := getAMFI(unrestricted, d)
	require.EqualValues(t, 0x7f, flags)

	restricted := &Process{MainExecutable: &macho.File{FileTOC: macho.FileTOC{Loads: []macho.Load{
		&macho.Segment{SegmentHeader: macho.SegmentHeader{Name: "__RESTRICT"}},
	}}}}
	flags = getAMFI(restricted, d)
	require.Zero(t, flags, "a restricted main executable must be denied every allow-bit")
}
