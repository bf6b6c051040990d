package sim

// ManualClock is a Clock whose time is set by the caller.
type ManualClock struct {
	T int64
}

func (c *ManualClock) Now() int64 {
	return c.T
}

func (c *ManualClock) Set(t int64) {
	c.T = t
}
