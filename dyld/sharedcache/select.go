package sharedcache

import (
	"strings"

	"github.com/blacktop/go-dyld/dyld/procconfig"
	"github.com/blacktop/go-dyld/dyld/syscall"
)

// dyldFlagForceDevCache/dyldFlagForceCustomerCache mirror the dyld_flags
// boot-arg bit assignments DyldProcessConfig.cpp reads out of the apple
// kernel vector to let a booted system override cache variant selection
// without touching every process's environment.
const (
	dyldFlagForceDevCache      uint64 = 1 << 1
	dyldFlagForceCustomerCache uint64 = 1 << 2
)

// SelectOptions bundles the inputs DyldCache's constructor weighs when
// picking between the customer and development cache variants.
type SelectOptions struct {
	// Pid1 is true for launchd, which always prefers the customer cache
	// regardless of boot-args (DyldProcessConfig.cpp's pid==1 special case).
	Pid1 bool
	// DyldFlagsBootArg is the raw "dyld_flags=0x..." boot-arg value, if any.
	DyldFlagsBootArg uint64
	HasBootArg       bool
}

// BuildOptions turns a launch-time Process/Security pair plus the apple
// vector's boot-args into the CacheOptions the delegate's GetSharedCache
// call needs, resolving customer-vs-development precedence in the same
// order DyldCache's constructor does: an explicit boot-arg wins, then the
// pid==1 special case, then the process's own preference.
func BuildOptions(process *procconfig.Process, security *procconfig.Security, opts SelectOptions) syscall.CacheOptions {
	preferCustomer := !security.InternalInstall
	forceDev := false

	if opts.HasBootArg {
		switch {
		case opts.DyldFlagsBootArg&dyldFlagForceCustomerCache != 0:
			preferCustomer, forceDev = true, false
		case opts.DyldFlagsBootArg&dyldFlagForceDevCache != 0:
			preferCustomer, forceDev = false, true
		}
	} else if opts.Pid1 {
		preferCustomer, forceDev = true, false
	}

	return syscall.CacheOptions{
		PreferCustomer:    preferCustomer,
		ForceDev:          forceDev,
		IsTranslated:      process.IsTranslated,
		EnableRODataConst: process.EnableDataConst,
		Platform:          uint32(process.Platform),
	}
}

// bootArgFromApple parses "dyld_flags=0x..." out of the kernel apple
// vector the way boot_args lookups do for every other dyld_* key.
func bootArgFromApple(apple []string) (uint64, bool) {
	for _, e := range apple {
		if !strings.HasPrefix(e, "dyld_flags=") {
			continue
		}
		v, ok := parseHex(strings.TrimPrefix(e, "dyld_flags="))
		return v, ok
	}
	return 0, false
}

func parseHex(s string) (uint64, bool) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, false
	}
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
			return 0, false
		}
		v = v<<4 | d
	}
	return v, true
}

// OptionsFromProcess is the usual entry point: it derives SelectOptions
// from the process's own apple vector instead of requiring the caller to
// parse boot-args by hand.
func OptionsFromProcess(process *procconfig.Process, security *procconfig.Security) syscall.CacheOptions {
	flags, ok := bootArgFromApple(process.Apple)
	pid1 := process.PID == 1
	return BuildOptions(process, security, SelectOptions{Pid1: pid1, DyldFlagsBootArg: flags, HasBootArg: ok})
}
