package procconfig

import (
	"errors"

	macho "github.com/blacktop/go-dyld"
	"github.com/blacktop/go-dyld/dyld/syscall"
)

var errHexDigit = errors.New("procconfig: invalid hex digit")

// platformFromMachOValue maps the reader's types.Platform numeric value (as
// embedded in LC_BUILD_VERSION, or inferred from the legacy
// LC_VERSION_MIN_* commands) onto our own Platform enum.
func platformFromMachOValue(v uint32) Platform {
	switch v {
	case 1:
		return PlatformMacOS
	case 2:
		return PlatformIOS
	case 3:
		return PlatformTvOS
	case 4:
		return PlatformWatchOS
	case 5:
		return PlatformBridgeOS
	case 6:
		return PlatformIOSMac
	case 7:
		return PlatformIOSSimulator
	case 8:
		return PlatformTvOSSimulator
	case 9:
		return PlatformWatchOSSimulator
	case 10:
		return PlatformDriverKit
	default:
		return PlatformUnknown
	}
}

// detectMainPlatform walks the main executable's load commands for
// LC_BUILD_VERSION (preferred) or the legacy LC_VERSION_MIN_* commands,
// mirroring ProcessConfig::Process::getMainPlatform.
func detectMainPlatform(f *macho.File) (platform, base Platform, minOS, sdk Version) {
	if f == nil {
		return PlatformUnknown, PlatformUnknown, 0, 0
	}
	for _, l := range f.Loads {
		switch bv := l.(type) {
		case *macho.BuildVersion:
			p := platformFromMachOValue(uint32(bv.BuildVersionCmd.Platform))
			return p, p, Version(bv.BuildVersionCmd.Minos), Version(bv.BuildVersionCmd.Sdk)
		case *macho.VersionMinMacOSX:
			return PlatformMacOS, PlatformMacOS,
				Version(bv.VersionMinMacOSCmd.Version), Version(bv.VersionMinMacOSCmd.Sdk)
		case *macho.VersionMiniPhoneOS:
			return PlatformIOS, PlatformIOS,
				Version(bv.VersionMinIPhoneOSCmd.Version), Version(bv.VersionMinIPhoneOSCmd.Sdk)
		case *macho.VersionMinTvOS:
			return PlatformTvOS, PlatformTvOS,
				Version(bv.VersionMinIPhoneOSCmd.Version), Version(bv.VersionMinIPhoneOSCmd.Sdk)
		case *macho.VersionMinWatchOS:
			return PlatformWatchOS, PlatformWatchOS,
				Version(bv.VersionMinIPhoneOSCmd.Version), Version(bv.VersionMinIPhoneOSCmd.Sdk)
		}
	}
	return PlatformUnknown, PlatformUnknown, 0, 0
}

// isRestricted mirrors MachOFile::isRestricted: the presence of a
// __RESTRICT segment marks the binary as ignoring DYLD_* env vars.
func isRestricted(f *macho.File) bool {
	if f == nil {
		return false
	}
	return f.Segment("__RESTRICT") != nil
}

// isFairPlayEncrypted mirrors MachOFile::isFairPlayEncrypted: an
// LC_ENCRYPTION_INFO(_64) command with a non-zero CryptID means the text
// segment is still FairPlay-encrypted on disk.
func isFairPlayEncrypted(f *macho.File) bool {
	if f == nil {
		return false
	}
	for _, l := range f.Loads {
		switch e := l.(type) {
		case *macho.EncryptionInfo:
			if e.CryptID != 0 {
				return true
			}
		case *macho.EncryptionInfo64:
			if e.CryptID != 0 {
				return true
			}
		}
	}
	return false
}

// gradedArchsFor builds the single-candidate grading list for the main
// executable's own architecture; a real launch widens this with every
// compatible slice/subtype the host can run, which this loader core
// models by asking the syscall delegate (GradedArchs is itself a
// delegate seam in spec.md §4.A since it ultimately queries the kernel's
// sysctl `hw.cputype`/`hw.optional.arm64e`).
func gradedArchsFor(f *macho.File, delegate syscall.Delegate) GradedArchs {
	var cpuType, cpuSubtype int32
	if f != nil {
		cpuType = int32(f.FileHeader.CPU)
		cpuSubtype = int32(f.FileHeader.SubCPU)
	}
	candidates := delegate.GradedArchs(cpuType, cpuSubtype, false)
	out := make(GradedArchs, len(candidates))
	for i, c := range candidates {
		out[i] = ArchCandidate{CPUType: c.CPUType, CPUSubtype: c.CPUSubtype}
	}
	return out
}
