package model

import (
	"fmt"
	"time"
)

// Cursor is the position of an incremental sweep.
//
// Since is the lower bound of the current window, Page the next page to
// request within it and HighWater the newest item time seen so far. Cursors
// are ordered by (Since, Page).
type Cursor struct {
	Since     time.Time `json:"since"`
	Page      int       `json:"page"`
	HighWater time.Time `json:"high_water"`
}

func StartCursor() Cursor {
	return Cursor{Page: 1}
}

func (c Cursor) normalized() Cursor {
	if c.Page < 1 {
		c.Page = 1
	}
	c.Since = c.Since.UTC().Truncate(time.Millisecond)
	c.HighWater = c.HighWater.UTC().Truncate(time.Millisecond)
	return c
}

// Less reports whether c is strictly behind o.
func (c Cursor) Less(o Cursor) bool {
	c, o = c.normalized(), o.normalized()
	if !c.Since.Equal(o.Since) {
		return c.Since.Before(o.Since)
	}
	return c.Page < o.Page
}

// Max returns the cursor further ahead.
func (c Cursor) Max(o Cursor) Cursor {
	if c.Less(o) {
		return o.normalized()
	}
	return c.normalized()
}

// Observe widens HighWater with an item timestamp.
func (c Cursor) Observe(t time.Time) Cursor {
	if t.After(c.HighWater) {
		c.HighWater = t.UTC().Truncate(time.Millisecond)
	}
	return c
}

// NextPage moves to the following page of the same window.
func (c Cursor) NextPage() Cursor {
	c = c.normalized()
	c.Page++
	return c
}

// CaughtUp starts the next window at the newest item seen.
func (c Cursor) CaughtUp() Cursor {
	c = c.normalized()
	next := c.Since
	if c.HighWater.After(next) {
		next = c.HighWater
	}
	if !next.After(c.Since) && c.Page > 1 {
		// keep the order strictly increasing when the window held nothing newer
		next = c.Since.Add(time.Millisecond)
	}
	return Cursor{Since: next, Page: 1, HighWater: next}
}

func (c Cursor) String() string {
	return fmt.Sprintf("since=%s page=%d high=%s", c.Since.Format(time.RFC3339), c.Page, c.HighWater.Format(time.RFC3339))
}
