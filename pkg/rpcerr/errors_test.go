package rpcerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsIdentifier(t *testing.T) {
	e := New(ValidationError, "bad arg %d", 3)
	assert.Equal(t, ValidationError, e.Code)
	assert.Equal(t, "bad arg 3", e.Message)
	assert.NotEmpty(t, e.Identifier)
	assert.False(t, e.Wrapped())
}

func TestWrapOpaqueError(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(InternalError, cause)
	require.NotNil(t, e)
	assert.True(t, e.Wrapped())
	assert.Equal(t, cause, e.Cause)
	assert.ErrorIs(t, e, cause)
}

func TestWrapNeverRewrapsFrameworkError(t *testing.T) {
	inner := New(EdgeNotFound, "no edge")
	wrapped := Wrap(InternalError, inner)
	assert.Same(t, inner, wrapped)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(InternalError, nil))
}

func TestRedactOnlyAffectsWrapped(t *testing.T) {
	direct := New(ValidationError, "leaks nothing sensitive")
	assert.Same(t, direct, Redact(direct, true))

	wrapped := Wrap(InternalError, errors.New("leaked detail"))
	redacted := Redact(wrapped, true)
	assert.Equal(t, wrapped.Code, redacted.Code)
	assert.Equal(t, wrapped.Identifier, redacted.Identifier)
	assert.Equal(t, redactedMessage, redacted.Message)

	assert.Same(t, wrapped, Redact(wrapped, false))
}

func TestPoisonedByPreservesIdentifier(t *testing.T) {
	cause := New(EdgeError, "upstream failed")
	poisoned := PoisonedBy(GetError, cause)
	assert.Equal(t, GetError, poisoned.Code)
	assert.Equal(t, cause.Identifier, poisoned.Identifier)
	assert.Contains(t, poisoned.Message, "upstream failed")
}

func TestPoisonedByNilCause(t *testing.T) {
	assert.Nil(t, PoisonedBy(GetError, nil))
}

func TestNilErrorMethods(t *testing.T) {
	var e *Error
	assert.Equal(t, "", e.Error())
	assert.Nil(t, e.Unwrap())
	assert.False(t, e.Wrapped())
}
