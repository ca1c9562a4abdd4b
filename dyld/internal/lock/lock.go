// Package lock implements the process-wide recursive "loaders lock" of
// spec.md §5: a single mutex serializing registry mutation, dependency
// discovery, fixup application, and initializer runs, that the owning
// goroutine may re-acquire (modeling dlopen called from an initializer).
package lock

import (
	"runtime"

	"github.com/petermattis/goid"
	"github.com/sasha-s/go-deadlock"
)

// EnableDeadlockDetection toggles go-deadlock's lock-order checking
// process-wide, the same switch lazydocker's gui.go flips on
// deadlock.Opts.Disable based on its own Debug config: off by default so
// the checker's bookkeeping never costs a production launch anything, on
// when a caller (typically a test) wants a lock-order violation to fail
// loudly instead of hanging.
func EnableDeadlockDetection(enabled bool) {
	deadlock.Opts.Disable = !enabled
}

// Loaders is a goroutine-reentrant mutex. Go's sync.Mutex is not reentrant;
// no pack or ecosystem library supplies a maintained goroutine-aware
// reentrant mutex, so recursion bookkeeping is hand-rolled atop goid, the
// same dependency go-deadlock itself uses for its own owner tracking. The
// underlying mutex is go-deadlock's, not sync's, so EnableDeadlockDetection
// covers this lock along with every other deadlock.Mutex in the process.
type Loaders struct {
	mu     deadlock.Mutex
	holder int64
	depth  int
}

// New returns an unlocked Loaders lock.
func New() *Loaders {
	return &Loaders{holder: -1}
}

// Lock acquires the lock. If the calling goroutine already holds it, the
// call nests (incrementing depth) instead of deadlocking.
func (l *Loaders) Lock() {
	id := goid.Get()

	l.mu.Lock()
	if l.holder == id {
		l.depth++
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.acquire(id)
}

// acquire blocks until no other goroutine holds the lock, then claims it.
func (l *Loaders) acquire(id int64) {
	for {
		l.mu.Lock()
		if l.holder == -1 {
			l.holder = id
			l.depth = 1
			l.mu.Unlock()
			return
		}
		if l.holder == id {
			l.depth++
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		// Cooperative spin: there is no condition variable, so a waiter
		// yields and retries until the holder releases the lock.
		runtime.Gosched()
	}
}

// Unlock releases one level of nesting. Panics if the calling goroutine
// does not hold the lock, matching spec.md's "only legal way to observe a
// consistent registry" contract — misuse is a programming error, not a
// recoverable condition.
func (l *Loaders) Unlock() {
	id := goid.Get()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != id {
		panic("lock: Unlock called by goroutine that does not hold the loaders lock")
	}
	l.depth--
	if l.depth == 0 {
		l.holder = -1
	}
}

// HeldByCaller reports whether the calling goroutine currently holds the
// lock, used by Dlopen to detect the reentrant-initializer case.
func (l *Loaders) HeldByCaller() bool {
	id := goid.Get()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == id
}
