package sophia

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSetSettingRoundTrip(t *testing.T) {
	env := testEnv(t)
	_, ok := env.GetSetting("nope")
	require.False(t, ok)

	env.SetSetting("custom.key", "value")
	v, ok := env.GetSetting("custom.key")
	require.True(t, ok)
	require.Equal(t, "value", v)
}

func TestDestroyIsIdempotentFailingOnSecondCall(t *testing.T) {
	env := testEnv(t)
	require.NoError(t, env.Destroy())
	require.ErrorIs(t, env.Destroy(), ErrClosed)
}

func TestPollReturnsFalseWhenNoResultQueued(t *testing.T) {
	env := testEnv(t)
	_, ok := env.Poll()
	require.False(t, ok)
}

func TestErrorStringEmptyUntilSomethingIsRecorded(t *testing.T) {
	env := testEnv(t)
	require.Equal(t, "", env.Error())
}

func TestRecoverAllReopensMultipleDatabasesFromDisk(t *testing.T) {
	dir := t.TempDir()
	s := NewSettings().
		Set("sophia.path", dir).
		Set("sophia.path_create", "1").
		Set("log.enable", "0").
		Set("db.alpha.key.0", "id:string").
		Set("db.beta.key.0", "id:string")

	env, err := Open(s)
	require.NoError(t, err)
	alpha, err := env.OpenDatabase("alpha")
	require.NoError(t, err)
	beta, err := env.OpenDatabase("beta")
	require.NoError(t, err)
	require.NoError(t, alpha.Set([]byte("a1"), []byte("k")))
	require.NoError(t, beta.Set([]byte("b1"), []byte("k")))
	require.NoError(t, env.Destroy())

	env2, err := Open(s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env2.Destroy() })

	require.Contains(t, env2.databases, "alpha")
	require.Contains(t, env2.databases, "beta")
}

func TestDropMarkedDatabaseIsRemovedOnNextOpen(t *testing.T) {
	dir := t.TempDir()
	s := NewSettings().
		Set("sophia.path", dir).
		Set("sophia.path_create", "1").
		Set("log.enable", "0").
		Set("db.main.key.0", "id:string")

	env, err := Open(s)
	require.NoError(t, err)
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)
	require.NoError(t, db.Drop())
	require.NoError(t, env.Destroy())

	env2, err := Open(s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env2.Destroy() })
	require.NotContains(t, env2.databases, "main")
}
