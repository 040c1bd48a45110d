package op

import (
	"errors"
	"testing"

	"lsmrepl/pkg/dberrors"

	"github.com/stretchr/testify/require"
)

func TestCategory(t *testing.T) {
	require.Equal(t, CategoryRead, New(Get, "db", []byte("k"), nil).Category())
	require.Equal(t, CategoryInsert, New(Delete, "db", []byte("k"), nil).Category())
	require.Equal(t, CategoryDBModification, NewWithTarget(CopyDB, "db", "db2").Category())
	require.Equal(t, CategorySnapshot, NewWithTarget(CreateSnapshot, "db", "s1").Category())
	require.False(t, New(Get, "db", []byte("k"), nil).IsWrite())
	require.True(t, New(CreateDB, "db", nil, nil).IsWrite())
}

func TestValidate(t *testing.T) {
	require.NoError(t, New(Insert, "db", []byte("k"), []byte("v")).Validate())

	err := New(Insert, "db", []byte("k"), nil).Validate()
	require.True(t, errors.Is(err, dberrors.ErrInvalidArgument))

	require.Error(t, New(Get, "", []byte("k"), nil).Validate())
	require.Error(t, NewWithTarget(CopyDB, "db", "").Validate())
	require.Error(t, Operation{Kind: 42, DB: "db"}.Validate())
}

func TestEncodeDecode(t *testing.T) {
	o := NewWithTarget(CreateSnapshot, "db", "snap")
	data, err := o.Encode()
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, o, back)
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("db_modification")
	require.NoError(t, err)
	require.Equal(t, CategoryDBModification, c)

	_, err = ParseCategory("all")
	require.Error(t, err)
}
