package neoflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorSequence(t *testing.T) {
	pa := CreatePortAllocator()
	assert.Equal(t, 1, pa.Peek(3, 4))
	for expected := 1; expected <= 10; expected++ {
		port, err := pa.Next(3, 4)
		require.NoError(t, err)
		assert.Equal(t, uint16(expected), port)
	}
	assert.Equal(t, 11, pa.Peek(3, 4))

	// every destination has its own counter
	port, err := pa.Next(4, 3)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), port)
}

func TestPortAllocatorExhaustion(t *testing.T) {
	pa := CreatePortAllocator()
	for expected := 1; expected <= maxPort; expected++ {
		port, err := pa.Next(0, 0)
		require.NoError(t, err)
		require.Equal(t, uint16(expected), port)
	}

	_, err := pa.Next(0, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPortSpaceExhausted))

	// exhaustion is permanent and does not leak into other destinations
	_, err = pa.Next(0, 0)
	assert.ErrorIs(t, err, ErrPortSpaceExhausted)
	port, err := pa.Next(0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), port)
}
