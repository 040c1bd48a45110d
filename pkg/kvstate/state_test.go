package kvstate

import (
	"testing"

	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/op"
	"lsmrepl/pkg/types"

	"github.com/stretchr/testify/require"
)

func entry(t *testing.T, seq uint64, o op.Operation) types.LogEntry {
	t.Helper()
	payload, err := o.Encode()
	require.NoError(t, err)
	return types.NewLogEntry(types.NewLSN(1, seq), payload)
}

func TestState_ApplyInOrder(t *testing.T) {
	s := New()

	require.NoError(t, s.Apply(entry(t, 1, op.New(op.Insert, DefaultDB, []byte("k"), []byte("v1")))))
	require.NoError(t, s.Apply(entry(t, 2, op.New(op.Insert, DefaultDB, []byte("k"), []byte("v2")))))
	// duplicate delivery is absorbed
	require.NoError(t, s.Apply(entry(t, 1, op.New(op.Insert, DefaultDB, []byte("k"), []byte("v1")))))

	v, found, err := s.Get(DefaultDB, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), v)
	require.Equal(t, types.NewLSN(1, 2), s.Applied())
}

func TestState_DatabasesAndSnapshots(t *testing.T) {
	s := New()

	require.NoError(t, s.Check(op.New(op.CreateDB, "users", nil, nil)))
	require.NoError(t, s.Apply(entry(t, 1, op.New(op.CreateDB, "users", nil, nil))))
	require.Error(t, s.Check(op.New(op.CreateDB, "users", nil, nil)))

	require.NoError(t, s.Apply(entry(t, 2, op.New(op.Insert, "users", []byte("a"), []byte("1")))))
	require.NoError(t, s.Apply(entry(t, 3, op.NewWithTarget(op.CopyDB, "users", "users2"))))
	require.NoError(t, s.Apply(entry(t, 4, op.NewWithTarget(op.CreateSnapshot, "users", "snap"))))
	require.NoError(t, s.Apply(entry(t, 5, op.New(op.Delete, "users", []byte("a"), nil))))

	require.Equal(t, map[string]string{"a": "1"}, s.Dump("users2"))
	require.Empty(t, s.Dump("users"))
	require.Equal(t, []string{"snap"}, s.Snapshots("users"))
	require.Equal(t, []string{DefaultDB, "users", "users2"}, s.Databases())

	require.NoError(t, s.Apply(entry(t, 6, op.NewWithTarget(op.DeleteSnapshot, "users", "snap"))))
	require.Empty(t, s.Snapshots("users"))

	require.NoError(t, s.Apply(entry(t, 7, op.New(op.DeleteDB, "users", nil, nil))))
	_, _, err := s.Get("users", []byte("a"))
	require.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestState_SkipsInapplicable(t *testing.T) {
	s := New()
	require.NoError(t, s.Apply(entry(t, 1, op.New(op.Insert, "missing", []byte("a"), []byte("1")))))
	require.Equal(t, types.NewLSN(1, 1), s.Applied())

	require.ErrorIs(t, s.ApplyUnlogged(op.New(op.Insert, "missing", []byte("a"), []byte("1"))), dberrors.ErrNotFound)
}

func TestState_Reset(t *testing.T) {
	s := New()
	require.NoError(t, s.Apply(entry(t, 1, op.New(op.Insert, DefaultDB, []byte("k"), []byte("v")))))
	s.Reset()
	require.Equal(t, types.LSN{}, s.Applied())
	require.Empty(t, s.Dump(DefaultDB))
}
