package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		PathResolution:      "PathResolution",
		DependencyMissing:   "DependencyMissing",
		SymbolMissing:       "SymbolMissing",
		VersionIncompatible: "VersionIncompatible",
		Mapping:             "Mapping",
		CacheLoad:           "CacheLoad",
		Kind(99):            "Unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}

func TestNewFormatsMessageAndKind(t *testing.T) {
	err := New(SymbolMissing, "symbol %s not found", "_foo")
	assert.Equal(t, SymbolMissing, err.Kind())
	assert.Contains(t, err.Error(), "[SymbolMissing]")
	assert.Contains(t, err.Error(), "symbol _foo not found")
	assert.Nil(t, err.Payload())
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("file not found")
	err := Wrap(PathResolution, cause)
	assert.Equal(t, PathResolution, err.Kind())
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "file not found")
}

func TestWithPayloadAddsContextToErrorString(t *testing.T) {
	err := New(DependencyMissing, "library not loaded").WithPayload(AbortPayload{
		TargetDylib:   "/usr/lib/libFoo.dylib",
		ClientOfDylib: "/bin/app",
		Symbol:        "_bar",
	})
	require.NotNil(t, err.Payload())
	assert.Equal(t, "/usr/lib/libFoo.dylib", err.Payload().TargetDylib)
	msg := err.Error()
	assert.Contains(t, msg, "target=/usr/lib/libFoo.dylib")
	assert.Contains(t, msg, "client=/bin/app")
	assert.Contains(t, msg, "symbol=_bar")
}

func TestHaltBuildsPayloadCarryingError(t *testing.T) {
	payload := AbortPayload{TargetDylib: "/usr/lib/libBar.dylib"}
	err := Halt(VersionIncompatible, payload, "incompatible version %d", 2)
	assert.Equal(t, VersionIncompatible, err.Kind())
	require.NotNil(t, err.Payload())
	assert.Equal(t, "/usr/lib/libBar.dylib", err.Payload().TargetDylib)
	assert.Contains(t, err.Error(), "incompatible version 2")
}

func TestErrorStackIsNonEmpty(t *testing.T) {
	err := New(Mapping, "mapping failed")
	assert.NotEmpty(t, err.ErrorStack())
}
