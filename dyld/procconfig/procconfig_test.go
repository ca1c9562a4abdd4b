package procconfig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-dyld/dyld/syscall"
)

func kernArgs(argv, envp, apple []string) *KernelArgs {
	return &KernelArgs{Argv: argv, Envp: envp, Apple: apple}
}

func TestBuildConfigBasic(t *testing.T) {
	d := syscall.NewFakeDelegate()
	require.NoError(t, d.WriteFile("/bin/app", []byte("fake macho"), 1))

	kern := kernArgs([]string{"/bin/app"}, []string{"PATH=/usr/bin"}, nil)
	cfg, err := BuildConfig(d, kern)
	require.NoError(t, err)
	require.Equal(t, "app", cfg.Process.Progname)
	require.False(t, cfg.Arena.Sealed())
}

func TestBuildConfigArenaOwnsDerivedStrings(t *testing.T) {
	d := syscall.NewFakeDelegate()
	require.NoError(t, d.WriteFile("/bin/app", []byte("fake macho"), 1))

	kern := kernArgs([]string{"/bin/app"}, nil, nil)
	cfg, err := BuildConfig(d, kern)
	require.NoError(t, err)

	require.NotContains(t, cfg.Arena.String(), "used=0", "Progname/MainExecutablePath/DyldPath must have been carved out of the arena")
	require.Equal(t, "/bin/app", cfg.Process.MainExecutablePath)
	require.Equal(t, "app", cfg.Process.Progname)

	cfg.Arena.Seal()
	require.Panics(t, func() { cfg.Arena.Strdup("too late") }, "an already-sealed arena must refuse further allocation")
}

func TestSkipMainRequiresInternalInstall(t *testing.T) {
	d := syscall.NewFakeDelegate()
	kern := kernArgs([]string{"/bin/app"}, []string{"DYLD_SKIP_MAIN=1"}, nil)

	cfg, err := BuildConfig(d, kern)
	require.NoError(t, err)
	require.False(t, cfg.Security.SkipMain, "not internal install, DYLD_SKIP_MAIN must be ignored")

	d.SetInternalInstall(true)
	cfg, err = BuildConfig(d, kern)
	require.NoError(t, err)
	require.True(t, cfg.Security.SkipMain)
}

func TestAMFIFakeOverrideRequiresTestModeAndInternalInstall(t *testing.T) {
	d := syscall.NewFakeDelegate()
	d.SetAMFIFlags(0)
	kern := kernArgs([]string{"/bin/app"}, []string{"DYLD_AMFI_FAKE=0x10"}, nil)

	cfg, err := BuildConfig(d, kern)
	require.NoError(t, err)
	require.False(t, cfg.Security.AllowEnvVarsPrint, "fake override must not apply without test mode")

	d.SetInternalInstall(true)
	testModeFlags := cfg.Process.CommPage.WithTestMode(true)
	require.NoError(t, d.SetCommPageFlags(testModeFlags))

	cfg, err = BuildConfig(d, kern)
	require.NoError(t, err)
	require.True(t, cfg.Security.AllowEnvVarsPrint, "amfi fake 0x10 sets AMFI_DYLD_OUTPUT_ALLOW_PRINT_VARS")
}

func TestPruneEnvVarsRemovesDyldPrefixedEntries(t *testing.T) {
	process := &Process{
		Platform: PlatformMacOS,
		Envp:     []string{"DYLD_PRINT_LIBRARIES=1", "PATH=/usr/bin", "DYLD_LIBRARY_PATH=/tmp"},
		Apple:    []string{"DYLD_something=x", "dyld_file=0x1,0x2"},
	}
	pruneEnvVars(process)

	for _, e := range process.Envp {
		require.NotContains(t, e, "DYLD_")
	}
	require.Contains(t, process.Envp, "PATH=/usr/bin")
	require.Contains(t, process.Apple, "dyld_file=0x1,0x2")
}

func TestBuildSecurityPrunesRestrictedMacOSProcess(t *testing.T) {
	d := syscall.NewFakeDelegate()
	process := &Process{
		Platform: PlatformMacOS,
		Envp:     []string{"DYLD_INSERT_LIBRARIES=/tmp/evil.dylib", "PATH=/usr/bin"},
	}
	buildSecurity(process, d)

	for _, e := range process.Envp {
		require.NotContains(t, e, "DYLD_")
	}
}

func TestPlatformVersionString(t *testing.T) {
	v := NewVersion(10, 15, 7)
	require.Equal(t, "10.15.7", v.String())

	v2 := NewVersion(14, 2, 0)
	require.Equal(t, "14.2", v2.String())
}

func TestGradedArchsBestCandidate(t *testing.T) {
	var g GradedArchs
	require.Equal(t, ArchCandidate{}, g.BestCandidate())

	g = GradedArchs{{CPUType: 0x0100000c, CPUSubtype: 2}, {CPUType: 0x0100000c, CPUSubtype: 0}}
	require.Equal(t, int32(2), g.BestCandidate().CPUSubtype)
}
