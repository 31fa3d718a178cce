package medium_test

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambiyansyah-risyal/gentlefetch/medium"
)

// exerciseMedium runs the behaviour every medium must share.
func exerciseMedium(t *testing.T, m medium.Medium) {
	t.Helper()
	ctx := context.Background()

	_, err := m.Read(ctx, "missing")
	assert.ErrorIs(t, err, medium.ErrNotFound)

	require.NoError(t, m.Write(ctx, "example.com_aa", []byte(`{"v":1}`)))
	require.NoError(t, m.Write(ctx, "example.com_bb", []byte(`{"v":2}`)))

	got, err := m.Read(ctx, "example.com_aa")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got))

	require.NoError(t, m.Write(ctx, "example.com_aa", []byte(`{"v":3}`)))
	got, err = m.Read(ctx, "example.com_aa")
	require.NoError(t, err)
	assert.Equal(t, `{"v":3}`, string(got), "write must overwrite")

	keys, err := m.List(ctx)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"example.com_aa", "example.com_bb"}, keys)

	require.NoError(t, m.Delete(ctx, "example.com_aa"))
	require.NoError(t, m.Delete(ctx, "example.com_aa"), "deleting twice is not an error")

	_, err = m.Read(ctx, "example.com_aa")
	assert.ErrorIs(t, err, medium.ErrNotFound)

	keys, err = m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com_bb"}, keys)
}
