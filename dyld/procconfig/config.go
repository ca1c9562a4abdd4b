// Package procconfig builds the immutable, launch-time configuration
// singleton every other loader-core package reads from: the facts derived
// from kernel args, AMFI, and environment that don't change for the life
// of the process (spec.md §4.B).
package procconfig

import (
	"github.com/blacktop/go-dyld/dyld/procconfig/arena"
	"github.com/blacktop/go-dyld/dyld/syscall"
)

// Config bundles Process, Security and Logging plus the string arena, built
// in order: Process, then Security (needs Process.CommPage/platform), then
// Logging (needs Security's AllowEnvVarsPrint). The shared cache and path
// overrides are not part of Config; dyld/launch builds them afterwards.
type Config struct {
	Process  *Process
	Security *Security
	Logging  *Logging
	Arena    *arena.Arena
}

// BuildConfig constructs the full launch-time configuration, mirroring
// ProcessConfig's constructor member-initializer order.
func BuildConfig(delegate syscall.Delegate, kern *KernelArgs) (*Config, error) {
	a := arena.New(4096)

	process := buildProcess(kern, delegate, a)
	security := buildSecurity(process, delegate)
	logging := buildLogging(process, security, delegate)

	return &Config{
		Process:  process,
		Security: security,
		Logging:  logging,
		Arena:    a,
	}, nil
}
