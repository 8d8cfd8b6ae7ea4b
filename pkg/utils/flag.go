package utils

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

// SetTestFlag overrides a registered flag, e.g. a cache limit or the server address, until `t` finishes.
// Flags are process-wide, so tests that call it must not run in parallel with tests reading the same flag.
func SetTestFlag(t *testing.T, name, value string) {
	t.Helper()
	registered := flag.Lookup(name)
	require.NotNil(t, registered, "Flag %s is not registered", name)
	original := registered.Value.String()
	require.NoError(t, flag.Set(name, value), "Invalid value for flag %s", name)
	t.Cleanup(func() { require.NoError(t, flag.Set(name, original)) })
}
