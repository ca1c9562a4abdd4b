package procconfig

import (
	"strconv"
	"strings"

	"github.com/blacktop/go-dyld/dyld/syscall"
)

// AMFI output-flag bits, as returned by amfi_check_dyld_policy_self.
const (
	amfiAllowAtPath               = 1 << 0
	amfiAllowPathVars             = 1 << 1
	amfiAllowCustomSharedCache    = 1 << 2
	amfiAllowFallbackPaths        = 1 << 3
	amfiAllowPrintVars            = 1 << 4
	amfiAllowFailedLibInsertion   = 1 << 5
	amfiAllowLibraryInterposing   = 1 << 6
)

// Security holds the security-policy bits derived from AMFI, ported from
// ProcessConfig::Security.
type Security struct {
	InternalInstall           bool
	AllowAtPaths              bool
	AllowEnvVarsPrint         bool
	AllowEnvVarsPath          bool
	AllowEnvVarsSharedCache   bool
	AllowClassicFallbackPaths bool
	AllowInsertFailures       bool
	AllowInterposing          bool
	SkipMain                  bool
}

// buildSecurity computes the AMFI bit-set, honors DYLD_AMFI_FAKE, and
// prunes DYLD_* env vars when the process is restricted — exactly
// ProcessConfig::Security's constructor.
func buildSecurity(process *Process, delegate syscall.Delegate) *Security {
	s := &Security{InternalInstall: delegate.InternalInstall()}

	if v, ok := process.Environ("DYLD_SKIP_MAIN"); ok && v != "" {
		s.SkipMain = s.InternalInstall
	}

	amfi := getAMFI(process, delegate)
	s.AllowAtPaths = amfi&amfiAllowAtPath != 0
	s.AllowEnvVarsPrint = amfi&amfiAllowPrintVars != 0
	s.AllowEnvVarsPath = amfi&amfiAllowPathVars != 0
	s.AllowEnvVarsSharedCache = amfi&amfiAllowCustomSharedCache != 0
	s.AllowClassicFallbackPaths = amfi&amfiAllowFallbackPaths != 0
	s.AllowInsertFailures = amfi&amfiAllowFailedLibInsertion != 0
	s.AllowInterposing = amfi&amfiAllowLibraryInterposing != 0

	switch process.Platform {
	case PlatformMacOS, PlatformIOSMac, PlatformDriverKit:
		// env vars are only pruned on these platforms.
	default:
		return s
	}

	// env vars are only pruned when the process is restricted.
	if s.AllowEnvVarsPrint || s.AllowEnvVarsPath || s.AllowEnvVarsSharedCache {
		return s
	}

	pruneEnvVars(process)
	return s
}

// getAMFI queries the delegate for the real AMFI policy bits, then applies
// the DYLD_AMFI_FAKE override — but only under the test-mode comm-page
// bit and only on internal installs — ported from
// ProcessConfig::Security::getAMFI.
func getAMFI(process *Process, delegate syscall.Delegate) uint64 {
	restricted := isRestricted(process.MainExecutable)
	fairPlayEncrypted := isFairPlayEncrypted(process.MainExecutable)
	flags, _ := delegate.AMFIFlags(restricted, fairPlayEncrypted)
	amfiFlags := uint64(flags)

	testMode := process.CommPage.TestMode()

	if fake, ok := process.Environ("DYLD_AMFI_FAKE"); ok {
		if !testMode {
			return amfiFlags
		}
		if !delegate.InternalInstall() {
			return amfiFlags
		}
		if parsed, err := strconv.ParseUint(strings.TrimPrefix(fake, "0x"), 16, 64); err == nil {
			amfiFlags = parsed
		}
	}
	return amfiFlags
}

// pruneEnvVars strips every DYLD_* entry from Envp in place, sliding Apple
// down by the removed count — ported from
// ProcessConfig::Security::pruneEnvVars. Go slices aren't packed kernel
// memory, so "in place" here means Process.Envp/Apple are replaced with
// filtered copies; the net effect (no DYLD_* var visible to child
// processes or the rest of config) is identical.
func pruneEnvVars(process *Process) {
	kept := make([]string, 0, len(process.Envp))
	removed := 0
	for _, e := range process.Envp {
		if strings.HasPrefix(e, "DYLD_") {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	process.Envp = kept
	if removed > 0 {
		apple := make([]string, 0, len(process.Apple))
		for _, e := range process.Apple {
			if !strings.HasPrefix(e, "DYLD_") {
				apple = append(apple, e)
			}
		}
		process.Apple = apple
	}
}
