package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesCodeAndFields(t *testing.T) {
	err := New(CodeConfigOptionInvalid, "priority is not an integer", FieldPlugin("heartbeat"), Field("value", "abc"))

	require.Error(t, err)
	assert.Equal(t, CodeConfigOptionInvalid, CodeOf(err))
	assert.True(t, HasCode(err, CodeConfigOptionInvalid))
	assert.False(t, HasCode(err, CodeBacklogStoreFailure))

	fields := FieldsOf(err)
	assert.Equal(t, "heartbeat", fields["plugin"])
	assert.Equal(t, "abc", fields["value"])
}

func TestWrapKeepsCause(t *testing.T) {
	inner := errors.New("disk full")
	err := Wrap(inner, CodeBacklogStoreFailure, "cannot persist message")

	require.Error(t, err)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, CodeBacklogStoreFailure, CodeOf(err))
	assert.Contains(t, err.Error(), "cannot persist message")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, CodeBacklogStoreFailure, "nothing"))
	assert.NoError(t, Wrapf(nil, CodeBacklogStoreFailure, "nothing %d", 1))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Nil(t, FieldsOf(errors.New("plain")))
}
