// Package arena implements the bump allocator ProcessConfig uses to stash
// derived strings and small records: real dyld carves this out of the end
// of __DATA_CONST so it can be sealed read-only once launch config is
// finished (spec.md §9's arena note). This process has no __DATA_CONST
// segment of its own to borrow, so the arena is a plain byte slice that
// Seal marks logically read-only by panicking on further allocation.
package arena

import "fmt"

// Arena is a single-writer bump allocator. It is not safe for concurrent
// allocation; ProcessConfig builds it once, single-threaded, at launch.
type Arena struct {
	buf    []byte
	used   int
	sealed bool
}

// New creates an arena with the given initial capacity. It grows on demand
// until Seal is called.
func New(capacity int) *Arena {
	return &Arena{buf: make([]byte, 0, capacity)}
}

// Strdup copies s into the arena and returns the arena-owned copy, mirroring
// ProcessConfig::Process::strdup.
func (a *Arena) Strdup(s string) string {
	if a.sealed {
		panic("arena: Strdup after Seal")
	}
	b := a.alloc(len(s))
	copy(b, s)
	a.used += len(s)
	return string(b)
}

// Alloc reserves n zeroed bytes and returns them, mirroring
// ProcessConfig::Process::roalloc.
func (a *Arena) Alloc(n int) []byte {
	if a.sealed {
		panic("arena: Alloc after Seal")
	}
	b := a.alloc(n)
	a.used += n
	return b
}

func (a *Arena) alloc(n int) []byte {
	start := len(a.buf)
	if cap(a.buf)-start < n {
		grown := make([]byte, start, (cap(a.buf)+n)*2+64)
		copy(grown, a.buf)
		a.buf = grown
	}
	a.buf = a.buf[:start+n]
	return a.buf[start : start+n]
}

// Seal freezes the arena. Any further Alloc/Strdup call panics, matching
// the real arena's __DATA_CONST remap to read-only after process config is
// built.
func (a *Arena) Seal() {
	a.sealed = true
}

func (a *Arena) Sealed() bool { return a.sealed }

func (a *Arena) String() string {
	return fmt.Sprintf("arena{used=%d cap=%d sealed=%v}", a.used, cap(a.buf), a.sealed)
}
