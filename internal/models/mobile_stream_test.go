package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		assert.Len(t, id, SessionIDLength)
		assert.True(t, ValidSessionID(id))
		_, dup := seen[id]
		assert.False(t, dup, "duplicate session id %q", id)
		seen[id] = struct{}{}
	}
}

func TestValidSessionID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "aabbccddeeff001122334455", true},
		{"empty", "", false},
		{"too short", "aabbccddeeff0011223344", false},
		{"too long", "aabbccddeeff00112233445566", false},
		{"uppercase", "AABBCCDDEEFF001122334455", false},
		{"non hex", "zzbbccddeeff001122334455", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidSessionID(tt.id))
		})
	}
}

func TestPositionListRoundTrip(t *testing.T) {
	list := PositionList{
		{Time: time.Unix(1700000000, 0).UTC(), Coord: [2]float64{-23.55, -46.63}},
		{Time: time.Unix(1700000060, 0).UTC(), Coord: [2]float64{-23.56, -46.64}},
	}

	value, err := list.Value()
	require.NoError(t, err)

	var decoded PositionList
	require.NoError(t, decoded.Scan(value))
	require.Len(t, decoded, 2)
	assert.Equal(t, list[0].Coord, decoded[0].Coord)
	assert.True(t, list[1].Time.Equal(decoded[1].Time))
}

func TestPositionListNil(t *testing.T) {
	var list PositionList

	value, err := list.Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", value)

	var decoded PositionList
	require.NoError(t, decoded.Scan(nil))
	assert.Nil(t, decoded)

	require.NoError(t, decoded.Scan([]byte(`[{"coord":[1,2]}]`)))
	require.Len(t, decoded, 1)
	assert.Equal(t, [2]float64{1, 2}, decoded[0].Coord)

	assert.Error(t, decoded.Scan(42))
}

func TestLastPosition(t *testing.T) {
	rec := &MobileStream{}
	assert.Nil(t, rec.LastPosition())

	rec.Position = PositionList{
		{Coord: [2]float64{1, 1}},
		{Coord: [2]float64{2, 2}},
	}
	last := rec.LastPosition()
	require.NotNil(t, last)
	assert.Equal(t, [2]float64{2, 2}, last.Coord)
}
