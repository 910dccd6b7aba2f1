//go:build amd64

package elevated

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoHook(t *testing.T) {
	assert := assert.New(t)

	h, err := AutoHook()
	require.NoError(t, err)
	assert.True(Active())

	_, err = AutoHook()
	assert.ErrorIs(err, ErrContextActive)

	assert.Panics(func() {
		(&Hook{}).Close()
	}, "a hook that is not the active one")

	_, err = InstallDynamicMethodTrampoline(label, nil)
	require.NoError(t, err)
	_, err = Install(multipleArgs, multipleArgsReplacement)
	require.NoError(t, err)
	require.NoError(t, Register(PackageOf("github.com/pboyd/elevated"), returning("hooked")))

	assert.Equal("hooked", label(1))
	assert.Equal(999, multipleArgs(1, "", false))

	assert.NoError(h.Close())
	assert.False(Active())
	assert.Equal("positive", label(1))
	assert.Equal(1, multipleArgs(1, "", false))
	assert.Nil(slots.lookup(PackageOf("github.com/pboyd/elevated"), nil))
	assert.Empty(stubs.entries)

	assert.ErrorIs(h.Close(), ErrHookClosed)
}
