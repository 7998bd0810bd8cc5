package cursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialWalksForward(t *testing.T) {
	c := NewSequential()
	var got []uint32
	got = append(got, c.Value())
	for i := 0; i < 5; i++ {
		require.True(t, c.MoveNext())
		got = append(got, c.Value())
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, got)
}

func TestSequentialMovePrevAtZeroFails(t *testing.T) {
	c := NewSequential()
	assert.False(t, c.MovePrev())
}

func TestSequentialReversible(t *testing.T) {
	c := NewSequential()
	require.True(t, c.MoveNext())
	require.True(t, c.MoveNext())
	assert.Equal(t, uint32(2), c.Value())
	require.True(t, c.MovePrev())
	assert.Equal(t, uint32(1), c.Value())
}

func TestReverseEndianByteSwaps(t *testing.T) {
	c := NewReverseEndian()
	assert.Equal(t, uint32(0), c.Value())
	require.True(t, c.MoveNext())
	assert.Equal(t, uint32(0x01000000), c.Value())
	require.True(t, c.MoveNext())
	assert.Equal(t, uint32(0x02000000), c.Value())
}

func TestSamplingVisitsMidpointsBreadthFirst(t *testing.T) {
	// max_depth=3 over an 8-wide toy space: depth 0 visits {4}, depth 1
	// visits {2,6}, depth 2 visits {1,3,5,7}, matching the diagram in the
	// original source this was translated from.
	c := NewSampling(0, 0, 3)
	var got []uint32
	got = append(got, c.Value())
	for c.MoveNext() {
		got = append(got, c.Value())
	}
	assert.Equal(t, []uint32{4, 2, 6, 1, 3, 5, 7}, got)
}

func TestSamplingReversible(t *testing.T) {
	c := NewSampling(0, 0, 3)
	require.True(t, c.MoveNext()) // depth 1, index 0 -> value 2
	require.True(t, c.MoveNext()) // depth 1, index 1 -> value 6
	assert.Equal(t, uint32(6), c.Value())
	require.True(t, c.MovePrev())
	assert.Equal(t, uint32(2), c.Value())
	require.True(t, c.MovePrev())
	assert.Equal(t, uint32(4), c.Value())
	assert.False(t, c.MovePrev())
}

func TestPeriodicInterleaves(t *testing.T) {
	c := NewPeriodic(0, 10, 3, 0)
	var got []uint32
	got = append(got, c.Value())
	for i := 0; i < 4; i++ {
		require.True(t, c.MoveNext())
		got = append(got, c.Value())
	}
	// 3 phases per period before offset advances: 0,10,20, then offset 1: 1
	assert.Equal(t, []uint32{0, 10, 20, 1, 11}, got)
}

func TestFilterSkipsNonMatching(t *testing.T) {
	c := NewFilter(NewSequential(), func(v uint32) bool { return v%2 == 0 })
	require.True(t, c.MoveNext())
	assert.Equal(t, uint32(2), c.Value())
	require.True(t, c.MoveNext())
	assert.Equal(t, uint32(4), c.Value())
}

func TestSkipAdvancesUpFront(t *testing.T) {
	s, ok := NewSkip(NewSequential(), 3)
	require.True(t, ok)
	assert.Equal(t, uint32(3), s.Value())
	require.True(t, s.MoveNext())
	assert.Equal(t, uint32(4), s.Value())
}

func TestSkipFailsWhenInnerExhausted(t *testing.T) {
	_, ok := NewSkip(NewTake(NewSequential(), 1), 5)
	assert.False(t, ok)
}

func TestTakeLimitsForwardMoves(t *testing.T) {
	c := NewTake(NewSequential(), 2)
	require.True(t, c.MoveNext())
	require.True(t, c.MoveNext())
	assert.False(t, c.MoveNext())
	assert.Equal(t, uint32(2), c.Value())
}

func TestComposedCursorMatchesConfigurationGenerate(t *testing.T) {
	// sequential, filtered to even values, skip 2, take 3 -- exercises the
	// same composition order CursorConfiguration.generate uses.
	base := NewSequential()
	filtered := NewFilter(base, func(v uint32) bool { return v%2 == 0 })
	skipped, ok := NewSkip(filtered, 2)
	require.True(t, ok)
	taken := NewTake(skipped, 3)

	var got []uint32
	got = append(got, taken.Value())
	for taken.MoveNext() {
		got = append(got, taken.Value())
	}
	// take(3) allows 3 further MoveNext calls beyond the starting value.
	assert.Equal(t, []uint32{4, 6, 8, 10}, got)
	assert.False(t, taken.MoveNext())
}
