package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	id := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{"not-base64!!!", "bm9waXBl", "YWJjfA"} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestCursor_After(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "m"}

	assert.True(t, c.After(ts.Add(-time.Second), "z"), "older rows come after")
	assert.False(t, c.After(ts.Add(time.Second), "a"), "newer rows come before")
	assert.True(t, c.After(ts, "a"), "same instant, smaller id comes after")
	assert.False(t, c.After(ts, "m"), "the cursor row itself is excluded")

	var none *Cursor
	assert.True(t, none.After(ts, "x"))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 5, ClampLimit(5))
	assert.Equal(t, MaxLimit, ClampLimit(1000))
}

func TestComputePage(t *testing.T) {
	type row struct {
		at time.Time
		id string
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []row{{base.Add(3 * time.Second), "c"}, {base.Add(2 * time.Second), "b"}, {base.Add(time.Second), "a"}}
	key := func(r row) (time.Time, string) { return r.at, r.id }

	page, next, more := ComputePage(rows, 2, key)
	assert.Len(t, page, 2)
	assert.True(t, more)

	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	page, next, more = ComputePage(rows[:1], 2, key)
	assert.Len(t, page, 1)
	assert.False(t, more)
	assert.Empty(t, next)
}
