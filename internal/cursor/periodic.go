package cursor

// Periodic visits index, index+period, index+2*period, ... across nbPeriod
// phases, then advances the phase offset by one and restarts the inner
// sweep. This interleaves addresses at a fixed stride before sweeping on to
// the next stride offset.
type Periodic struct {
	index    uint32
	period   uint32
	nbPeriod uint32
	offset   uint32
}

// NewPeriodic returns a cursor starting at the given index within the
// phase starting at offset, visiting nbPeriod phases spaced period apart.
func NewPeriodic(index, period, nbPeriod, offset uint32) *Periodic {
	return &Periodic{index: index, period: period, nbPeriod: nbPeriod, offset: offset}
}

func (c *Periodic) Value() uint32 {
	return c.offset + c.index*c.period
}

func (c *Periodic) MoveNext() bool {
	if c.index >= c.nbPeriod-1 {
		if c.offset >= c.period-1 {
			return false
		}
		c.offset++
		c.index = 0
		return true
	}
	c.index++
	return true
}

func (c *Periodic) MovePrev() bool {
	if c.index == 0 {
		if c.offset == 0 {
			return false
		}
		c.offset--
		c.index = c.nbPeriod - 1
		return true
	}
	c.index--
	return true
}
