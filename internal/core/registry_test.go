package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRegistryBindLookupUnbind(t *testing.T) {
	room, _ := newTestRoom(t)
	reg := NewUserRegistry()

	sess, _ := mustJoin(t, room, "alice")
	reg.Register("sid-1", sess)

	got, ok := reg.BySID("sid-1")
	require.True(t, ok)
	assert.Same(t, sess, got)

	_, ok = reg.BySID("sid-2")
	assert.False(t, ok)

	removed, ok := reg.Unregister("sid-1")
	require.True(t, ok)
	assert.Same(t, sess, removed)

	_, ok = reg.BySID("sid-1")
	assert.False(t, ok)

	_, ok = reg.Unregister("sid-1")
	assert.False(t, ok, "double unregister is a no-op")
}
