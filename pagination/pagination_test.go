package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cursor := Encode("000000000042")
	require.NotEmpty(t, cursor)
	key, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "000000000042", key)
}

func TestEmptyCursorRoundTrip(t *testing.T) {
	assert.Equal(t, "", Encode(""))
	key, err := Decode("")
	require.NoError(t, err)
	assert.Equal(t, "", key)
}

func TestDecodeInvalidCursor(t *testing.T) {
	_, err := Decode("not base64url!!")
	assert.Error(t, err)
}

func TestEffectiveLimit(t *testing.T) {
	assert.Equal(t, 50, Query{}.EffectiveLimit(50))
	assert.Equal(t, 10, Query{Limit: 10}.EffectiveLimit(50))
}
