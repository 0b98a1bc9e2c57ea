package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeSendRecv(t *testing.T) {
	a, b := NewPipe(4)
	require.NoError(t, a.Send("hello"))
	msg, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)
}

func TestPipeIsBidirectional(t *testing.T) {
	a, b := NewPipe(4)
	require.NoError(t, b.Send("reply"))
	msg, err := a.Recv()
	require.NoError(t, err)
	assert.Equal(t, "reply", msg)
}

func TestPipeCloseIsIdempotentAndSignalsPeer(t *testing.T) {
	a, b := NewPipe(1)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := b.Recv()
	assert.ErrorIs(t, err, ErrClosed)

	err = a.Send("too late")
	assert.ErrorIs(t, err, ErrClosed)
}
