package cursor

// MaxSamplingDepth is the largest maxDepth a Sampling cursor accepts. A
// cursor with maxDepth m walks depths 0 through m-1 over the values below
// 2^m; its last depth has period 2, so it visits the odd values there and
// never visits 0.
const MaxSamplingDepth = 31

// Sampling visits the midpoints of ever-finer binary subdivisions of the
// space [0, 2^maxDepth) before ever repeating a value: depth 0 visits the single
// midpoint of the whole space, depth 1 the midpoints of the two halves,
// and so on. Starting a scan against a Sampling cursor gets broad address
// coverage early, long before the whole space has been walked.
type Sampling struct {
	depth    uint32
	index    uint32
	maxDepth uint32

	offset uint32
	period uint32
	max    uint32
}

// NewSampling returns a cursor starting at the given depth and index within
// that depth, subdividing a uint32 space maxDepth levels deep. maxDepth
// must not exceed MaxSamplingDepth.
func NewSampling(depth, index, maxDepth uint32) *Sampling {
	if maxDepth > MaxSamplingDepth {
		panic("cursor: sampling max depth exceeds MaxSamplingDepth")
	}
	c := &Sampling{depth: depth, index: index, maxDepth: maxDepth}
	c.refreshMeta()
	return c
}

func (c *Sampling) refreshMeta() {
	c.period = 1 << (c.maxDepth - c.depth)
	c.offset = c.period / 2
	c.max = 1 << c.depth
}

func (c *Sampling) Value() uint32 {
	return c.offset + c.index*c.period
}

func (c *Sampling) MoveNext() bool {
	if c.index >= c.max-1 {
		if c.depth >= c.maxDepth-1 {
			return false
		}
		c.depth++
		c.refreshMeta()
		c.index = 0
		return true
	}
	c.index++
	return true
}

func (c *Sampling) MovePrev() bool {
	if c.index == 0 {
		if c.depth == 0 {
			return false
		}
		c.depth--
		c.refreshMeta()
		c.index = c.max - 1
		return true
	}
	c.index--
	return true
}
