package dberrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeRoundTrip(t *testing.T) {
	wrapped := fmt.Errorf("forward to n2: %w", ErrNoMaster)
	code := CodeOf(wrapped)
	require.Equal(t, CodeNoMaster, code)

	back := FromCode(code, wrapped.Error())
	require.True(t, errors.Is(back, ErrNoMaster))
	require.Equal(t, wrapped.Error(), back.Error())
	require.True(t, Retryable(back))
}

func TestCodeOf_Unknown(t *testing.T) {
	require.Equal(t, CodeOK, CodeOf(nil))
	require.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	require.NoError(t, FromCode(CodeOK, ""))
	require.False(t, Retryable(ErrReplicationFailure))
}
