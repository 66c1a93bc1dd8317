package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	B    string            `json:"b"`
	A    string            `json:"a"`
	Meta map[string]string `json:"meta,omitempty"`
}

func TestMarshal_FieldOrderAndSortedKeys(t *testing.T) {
	got, err := Marshal(sample{
		B:    "<x>",
		A:    "1",
		Meta: map[string]string{"z": "1", "a": "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"b":"<x>","a":"1","meta":{"a":"2","z":"1"}}`, string(got))
}

func TestHash_Stable(t *testing.T) {
	h1 := Hash([]byte("tally"))
	h2 := Hash([]byte("tally"))
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, Hash([]byte("tallY")))
}

func TestGenesisHash(t *testing.T) {
	assert.Len(t, GenesisHash, 64)
	for _, c := range GenesisHash {
		assert.Equal(t, '0', c)
	}
}

func TestTime_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2025, 3, 1, 12, 0, 0, 500, loc)

	s := Time(ts)
	assert.Equal(t, "2025-03-01T10:00:00.0000005Z", s)
}
