package procconfig

import (
	"path/filepath"
	"strings"

	macho "github.com/blacktop/go-dyld"
	"github.com/blacktop/go-dyld/dyld/commpage"
	"github.com/blacktop/go-dyld/dyld/procconfig/arena"
	"github.com/blacktop/go-dyld/dyld/syscall"
)

const maxKernelArgs = 128

// KernelArgs models how the kernel hands argc/argv/envp/apple to dyld on
// the initial stack (spec.md §6).
type KernelArgs struct {
	MainExecutable *macho.File
	Argv           []string
	Envp           []string
	Apple          []string
}

// AppleParam looks up a "key=value" entry in the apple vector, mirroring
// _simple_getenv over KernelArgs::findApple().
func (k *KernelArgs) AppleParam(key string) (string, bool) {
	return lookupKV(k.Apple, key)
}

func lookupKV(vec []string, key string) (string, bool) {
	prefix := key + "="
	for _, e := range vec {
		if strings.HasPrefix(e, prefix) {
			return strings.TrimPrefix(e, prefix), true
		}
	}
	return "", false
}

// Process holds the fixed, launch-time facts about the process: spec.md
// §4.B.1, ported from ProcessConfig::Process.
type Process struct {
	MainExecutable     *macho.File
	MainExecutablePath string
	MainUnrealPath     string // raw path used to launch, before symlink resolution
	DyldPath           string
	Progname           string

	Platform     Platform
	BasePlatform Platform
	MinOS        Version
	SDK          Version

	Argc  int
	Argv  []string
	Envp  []string
	Apple []string

	CommPage commpage.Flags
	Archs    GradedArchs
	PID      int

	IsTranslated             bool
	CatalystRuntime          bool
	EnableDataConst          bool
	ProactivelyUseWeakDefMap bool
}

// Environ looks up a "key=value" entry in envp, mirroring
// ProcessConfig::Process::environ.
func (p *Process) Environ(key string) (string, bool) {
	return lookupKV(p.Envp, key)
}

// AppleParam looks up a "key=value" entry in the apple vector.
func (p *Process) AppleParam(key string) (string, bool) {
	return lookupKV(p.Apple, key)
}

func defaultDataConst(cp commpage.Flags) bool {
	if cp.ForceRWDataConst() {
		return false
	}
	// __DATA_CONST is enabled by default unless explicitly forced off.
	return true
}

func libraryLeafName(path string) string {
	return filepath.Base(path)
}

// buildProcess constructs Process from kernel args and the syscall
// delegate, in the order ProcessConfig::Process's constructor does.
func buildProcess(kern *KernelArgs, delegate syscall.Delegate, a *arena.Arena) *Process {
	p := &Process{
		MainExecutable: kern.MainExecutable,
		Argc:           len(kern.Argv),
		Argv:           kern.Argv,
		Envp:           kern.Envp,
		Apple:          kern.Apple,
	}

	p.Platform, p.BasePlatform, p.MinOS, p.SDK = detectMainPlatform(kern.MainExecutable)
	p.MainUnrealPath = resolveMainUnrealPath(kern, delegate)
	// MainExecutablePath/DyldPath/Progname are the three derived strings
	// ProcessConfig::Process keeps for the life of the process, so they're
	// the ones that get arena-owned copies rather than delegate-backed
	// slices that could outlive a re-read of the source buffer.
	p.MainExecutablePath = a.Strdup(resolveMainExecutablePath(p, delegate))
	p.DyldPath = a.Strdup(resolveDyldPath(p, delegate))
	p.Progname = a.Strdup(libraryLeafName(p.MainUnrealPath))
	p.CatalystRuntime = usesCatalyst(p.Platform, kern.MainExecutable)
	p.CommPage = delegate.CommPageFlags()
	p.Archs = gradedArchsFor(kern.MainExecutable, delegate)
	p.IsTranslated = delegate.IsTranslated()
	p.EnableDataConst = defaultDataConst(p.CommPage)
	p.ProactivelyUseWeakDefMap = strings.HasPrefix(p.Progname, "MATLAB") // rdar://81498849

	return p
}

// resolveMainUnrealPath mirrors getMainUnrealPath: prefer the kernel's
// fsID/objID-encoded "executable_file" apple param resolved via
// fsgetpath, falling back to argv[0].
func resolveMainUnrealPath(kern *KernelArgs, delegate syscall.Delegate) string {
	if v, ok := lookupKV(kern.Apple, "executable_file"); ok {
		if path, ok := pathFromFileHexStrings(delegate, v); ok {
			return path
		}
	}
	if len(kern.Argv) > 0 {
		return kern.Argv[0]
	}
	return ""
}

// resolveMainExecutablePath mirrors getMainPath: realpath the unreal path,
// falling back to cwd-joined argv[0].
func resolveMainExecutablePath(p *Process, delegate syscall.Delegate) string {
	if real, err := delegate.Realpath(p.MainUnrealPath); err == nil && real != "" {
		return real
	}
	if filepath.IsAbs(p.MainUnrealPath) {
		return p.MainUnrealPath
	}
	cwd, _ := delegate.Getcwd()
	return filepath.Join(cwd, p.MainUnrealPath)
}

// resolveDyldPath mirrors getDyldPath: fsID/objID-encoded "dyld_file"
// apple param, falling back to the well-known install path.
func resolveDyldPath(p *Process, delegate syscall.Delegate) string {
	if v, ok := p.AppleParam("dyld_file"); ok {
		if path, ok := pathFromFileHexStrings(delegate, v); ok {
			return path
		}
	}
	return "/usr/lib/dyld"
}

// pathFromFileHexStrings decodes "fsID,objID" hex pairs and resolves them
// through the delegate's fsgetpath, mirroring
// ProcessConfig::Process::pathFromFileHexStrings.
func pathFromFileHexStrings(delegate syscall.Delegate, encoded string) (string, bool) {
	parts := strings.SplitN(encoded, ",", 2)
	if len(parts) != 2 {
		return "", false
	}
	fsID, err1 := parseHexU64(parts[0])
	objID, err2 := parseHexU64(parts[1])
	if err1 != nil || err2 != nil {
		return "", false
	}
	path, err := delegate.FSGetPath(fsID, objID)
	if err != nil {
		return "", false
	}
	return path, true
}

func parseHexU64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	var v uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			return 0, errHexDigit
		}
		v = v<<4 | d
	}
	return v, nil
}

func usesCatalyst(p Platform, f *macho.File) bool {
	if p != PlatformIOSMac {
		return false
	}
	return f != nil
}
