package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnpackedValue(t *testing.T) {
	for _, testCase := range []struct {
		name     string
		unpacked unpackedValue
		packed   []byte
	}{
		{
			name:     "tombstone",
			unpacked: tombstoneUnpacked,
			packed:   []byte{byte(TombStone)},
		},
		{
			name:     "simple",
			unpacked: unpackedValue{value: []byte("value")},
			packed:   []byte("\x00value"),
		},
		{
			name:     "empty_value",
			unpacked: unpackedValue{value: []byte{}},
			packed:   []byte{0},
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			packed := testCase.unpacked.pack()
			assert.Equal(t, testCase.packed, packed)
			unpackedAgain, err := unpack(packed)
			require.NoError(t, err)
			assert.Equal(t, testCase.unpacked, unpackedAgain)
		})
	}
}

func TestUnpack_Empty(t *testing.T) {
	_, err := unpack(nil)
	assert.Error(t, err)
	assert.Equal(t, tombstonePacked, []byte{byte(TombStone)})
}
