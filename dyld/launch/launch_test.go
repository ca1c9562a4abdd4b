package launch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	macho "github.com/blacktop/go-dyld"
)

func TestCompareDottedVersions(t *testing.T) {
	assert.Equal(t, 0, compareDottedVersions("1.2.3", "1.2.3"))
	assert.Equal(t, 1, compareDottedVersions("1.3.0", "1.2.9"))
	assert.Equal(t, -1, compareDottedVersions("1.2.0", "1.2.1"))
	assert.Equal(t, 1, compareDottedVersions("2.0", "1.9.9"))
	assert.Equal(t, -1, compareDottedVersions("1.0", "1.0.1"))
	assert.Equal(t, 0, compareDottedVersions("", ""))
}

func TestComponentAt(t *testing.T) {
	parts := []string{"1", "2", "x"}
	assert.Equal(t, 1, componentAt(parts, 0))
	assert.Equal(t, 2, componentAt(parts, 1))
	assert.Equal(t, 0, componentAt(parts, 2), "unparsable component treated as 0")
	assert.Equal(t, 0, componentAt(parts, 9), "missing component treated as 0")
}

func TestDyldEnvStringsCollectsEveryEnvironmentCommand(t *testing.T) {
	f := &macho.File{FileTOC: macho.FileTOC{Loads: []macho.Load{
		&macho.DyldEnvironment{Name: "DYLD_VERSIONED_LIBRARY_PATH=/opt/versioned"},
		&macho.Dylib{Name: "/usr/lib/libSystem.B.dylib", CurrentVersion: "1.0.0"},
		&macho.DyldEnvironment{Name: "DYLD_ROOT_PATH=/jail"},
	}}}

	got := dyldEnvStrings(f)
	assert.Equal(t, []string{
		"DYLD_VERSIONED_LIBRARY_PATH=/opt/versioned",
		"DYLD_ROOT_PATH=/jail",
	}, got)
}

func TestDyldEnvStringsEmptyWhenNoneConfigured(t *testing.T) {
	f := &macho.File{FileTOC: macho.FileTOC{Loads: []macho.Load{
		&macho.Dylib{Name: "/usr/lib/libSystem.B.dylib"},
	}}}
	assert.Empty(t, dyldEnvStrings(f))
}
