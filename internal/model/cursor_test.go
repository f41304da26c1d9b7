package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCursorOrdering(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	a := Cursor{Since: t0, Page: 2}
	b := Cursor{Since: t0, Page: 3}
	c := Cursor{Since: t0.Add(time.Second), Page: 1}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.False(t, a.Less(a))
	assert.Equal(t, c, a.Max(c))
	assert.Equal(t, c, c.Max(b))
}

func TestCursorCaughtUpMovesForward(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	cur := Cursor{Since: t0, Page: 4}.Observe(t0.Add(time.Hour))
	next := cur.CaughtUp()
	assert.Equal(t, t0.Add(time.Hour), next.Since)
	assert.Equal(t, 1, next.Page)
	assert.True(t, cur.Less(next))

	// nothing newer than the window start
	empty := Cursor{Since: t0, Page: 2}
	assert.True(t, empty.Less(empty.CaughtUp()))

	// a first page with nothing new keeps the cursor where it is
	first := Cursor{Since: t0, Page: 1}
	assert.Equal(t, t0, first.CaughtUp().Since)
	assert.Equal(t, 1, first.CaughtUp().Page)
}

func TestCursorNormalizesPrecision(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.FixedZone("x", 3600))
	c := Cursor{Since: t0}.NextPage()
	assert.Equal(t, 2, c.Page)
	assert.Equal(t, time.UTC, c.Since.Location())
	assert.Equal(t, 123000000, c.Since.Nanosecond())
}
