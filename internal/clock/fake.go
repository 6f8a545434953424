package clock

import "time"

// FakeClock is a Clock pinned to an explicit instant. Tests advance it
// manually to cross due dates without sleeping.
type FakeClock struct {
	now time.Time
}

var _ Clock = (*FakeClock)(nil)

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time { return c.now }

// Advance moves the clock forward. Not safe for concurrent use.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
