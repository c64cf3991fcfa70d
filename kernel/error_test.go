package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
	}

	require.Equal(t, "foo: error message", err.Error())

	var wrapped error = err
	require.True(t, errors.Is(wrapped, err))
	require.False(t, errors.Is(wrapped, &Error{Module: "foo", Message: "error message"}))
}
