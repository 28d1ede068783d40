package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferRoundTrip(t *testing.T) {
	// Copy because memguard wipes the input slice.
	secret := []byte("correct horse battery staple")
	input := make([]byte, len(secret))
	copy(input, secret)

	buf, err := NewBuffer(input)
	require.NoError(t, err)
	defer buf.Destroy()

	locked, err := buf.Open()
	require.NoError(t, err)
	defer locked.Destroy()

	assert.Equal(t, secret, locked.Bytes())
}

func TestBufferDestroyIsIdempotent(t *testing.T) {
	buf, err := NewBuffer([]byte("ephemeral"))
	require.NoError(t, err)

	buf.Destroy()
	buf.Destroy()

	locked, err := buf.Open()
	require.NoError(t, err)
	defer locked.Destroy()
	assert.Empty(t, locked.Bytes())
}
