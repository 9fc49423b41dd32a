package instanceid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagsAreDisjointAndAbove32Bits(t *testing.T) {
	all := Tags()
	require.Len(t, all, 7)
	for typ, tag := range all {
		assert.Greater(t, tag, uint64(math.MaxUint32), "%s", typ)
		for other, otherTag := range all {
			if other == typ {
				continue
			}
			assert.Zero(t, tag&otherTag, "%s overlaps %s", typ, other)
		}
		assert.Zero(t, tag&(secondaryMask<<secondaryShift), "%s overlaps the secondary field", typ)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	for typ := range Tags() {
		for _, raw := range []uint32{0, 1, 0x12340000, math.MaxUint32} {
			id := Encode(raw, typ)
			assert.Equal(t, typ, GetType(id))
			assert.Equal(t, raw, GetRawID(id))
		}
	}
}

func TestNone(t *testing.T) {
	assert.Equal(t, uint64(100), Encode(100, None))
	assert.Equal(t, None, GetType(100))
	assert.Equal(t, uint32(100), GetRawID(100))
	assert.Equal(t, uint32(0xDEADBEEF), GetRawID(0xDEADBEEF))
}

func TestEnvCellStaticObject(t *testing.T) {
	id, err := EncodeEnvCellStaticObject(0x12340105, 42, true)
	require.NoError(t, err)
	assert.Equal(t, EnvCellStaticObject, GetType(id))
	assert.Equal(t, uint32(0x12340105), GetRawID(id))
	assert.Equal(t, 42, GetSecondaryID(id))
	assert.True(t, IsCustomObject(id))

	id, err = EncodeEnvCellStaticObject(0x12340105, MaxSecondaryIdx, false)
	require.NoError(t, err)
	assert.Equal(t, MaxSecondaryIdx, GetSecondaryID(id))
	assert.False(t, IsCustomObject(id))

	_, err = EncodeEnvCellStaticObject(1, MaxSecondaryIdx+1, false)
	assert.Error(t, err)
}
