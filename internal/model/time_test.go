// SPDX-License-Identifier: MIT

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	m, err := ParseClock("10:30")
	require.NoError(t, err)
	assert.Equal(t, Minutes(630), m)
	assert.Equal(t, "10:30", m.String())

	_, err = ParseClock("25:00")
	assert.Error(t, err)
	_, err = ParseClock("10.30")
	assert.Error(t, err)
}

func TestWindowOverlaps(t *testing.T) {
	w := func(a, b string) Window {
		return Window{Start: MustClock(a), End: MustClock(b)}
	}

	cases := []struct {
		name string
		a, b Window
		want bool
	}{
		{"identical", w("10:00", "12:00"), w("10:00", "12:00"), true},
		{"contained", w("10:00", "12:00"), w("10:30", "11:30"), true},
		{"partial", w("10:00", "12:00"), w("11:00", "13:00"), true},
		{"disjoint", w("10:00", "12:00"), w("13:00", "15:00"), false},
		// Half-open: a.End == b.Start is not a conflict.
		{"touching", w("10:00", "12:00"), w("12:00", "14:00"), false},
		{"touching reversed", w("12:00", "14:00"), w("10:00", "12:00"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Overlaps(tc.b))
			assert.Equal(t, tc.want, tc.b.Overlaps(tc.a))
		})
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("09:15", "17:45")
	require.NoError(t, err)
	assert.Equal(t, Minutes(555), w.Start)
	assert.Equal(t, Minutes(1065), w.End)

	_, err = ParseWindow("12:00", "12:00")
	assert.Error(t, err, "empty window is invalid")
	_, err = ParseWindow("14:00", "12:00")
	assert.Error(t, err, "inverted window is invalid")
}

func TestRoomName(t *testing.T) {
	room := RoomName(7, "2025-09-15")
	assert.Equal(t, "lot_7_2025-09-15", room)

	lotID, date, ok := ParseRoomName(room)
	require.True(t, ok)
	assert.Equal(t, int64(7), lotID)
	assert.Equal(t, "2025-09-15", date)

	_, _, ok = ParseRoomName("lot_x_2025-09-15")
	assert.False(t, ok)
	_, _, ok = ParseRoomName("spot_7_2025-09-15")
	assert.False(t, ok)
	_, _, ok = ParseRoomName("lot_7_15-09-2025_extra")
	assert.False(t, ok)
}

func TestValidDate(t *testing.T) {
	assert.True(t, ValidDate("2025-09-15"))
	assert.False(t, ValidDate("2025-9-15"))
	assert.False(t, ValidDate("15_09_2025"))
}
