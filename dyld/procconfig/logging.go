package procconfig

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/blacktop/go-dyld/dyld/syscall"
)

// Logging gates which DYLD_PRINT_* categories are active and where their
// output goes, ported from ProcessConfig::Logging. Each category becomes
// a logrus field on every line that package emits under it, rather than a
// bare printf.
type Logging struct {
	Libraries     bool
	Segments      bool
	Fixups        bool
	Initializers  bool
	APIs          bool
	Notifications bool
	Interposing   bool
	Loaders       bool
	Searching     bool
	Env           bool
	UseStderr     bool
	UseFile       bool

	logger *logrus.Logger
}

// buildLogging maps each DYLD_PRINT_* env var to a category, active only
// when Security grants AllowEnvVarsPrint — ported from
// ProcessConfig::Logging's constructor.
func buildLogging(process *Process, security *Security, delegate syscall.Delegate) *Logging {
	present := func(key string) bool {
		_, ok := process.Environ(key)
		return security.AllowEnvVarsPrint && ok
	}

	l := &Logging{
		Segments:      present("DYLD_PRINT_SEGMENTS"),
		Libraries:     present("DYLD_PRINT_LIBRARIES"),
		Fixups:        present("DYLD_PRINT_BINDINGS"),
		Initializers:  present("DYLD_PRINT_INITIALIZERS"),
		APIs:          present("DYLD_PRINT_APIS"),
		Notifications: present("DYLD_PRINT_NOTIFICATIONS"),
		Interposing:   present("DYLD_PRINT_INTERPOSING"),
		Loaders:       present("DYLD_PRINT_LOADERS"),
		Searching:     present("DYLD_PRINT_SEARCHING"),
		Env:           present("DYLD_PRINT_ENV"),
		UseStderr:     present("DYLD_PRINT_TO_STDERR"),
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if security.AllowEnvVarsPrint && security.AllowEnvVarsSharedCache {
		if path, ok := process.Environ("DYLD_PRINT_TO_FILE"); ok {
			if w, err := delegate.OpenLogFile(path); err == nil {
				l.UseFile = true
				logger.SetOutput(w)
			}
		}
	}

	l.logger = logger
	return l
}

// Entry returns a logrus.Entry tagged with category, for call sites that
// have already checked the matching bool field is set.
func (l *Logging) Entry(category string) *logrus.Entry {
	return l.logger.WithField("category", category)
}
