package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndi.dev/core/ndierr"
)

// fakeClock hands out strictly increasing timestamps one second apart.
func fakeClock() func() time.Time {
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func withFakeClock(t *testing.T) {
	t.Helper()
	orig := Clock
	Clock = fakeClock()
	t.Cleanup(func() { Clock = orig })
}

func payload(n int) []byte { return make([]byte, n) }

// FIFO eviction at max_memory=100 with 40-byte entries.
func TestFIFOEvictionScenario(t *testing.T) {
	withFakeClock(t)
	c := New(100, FIFO)

	require.NoError(t, c.Add("k1", "t", payload(40), 0))
	require.NoError(t, c.Add("k2", "t", payload(40), 0))
	require.NoError(t, c.Add("k3", "t", payload(40), 0))

	assert.Nil(t, c.Lookup("k1", "t"))
	assert.NotNil(t, c.Lookup("k2", "t"))
	assert.NotNil(t, c.Lookup("k3", "t"))
	assert.Equal(t, 80, c.Bytes())
}

// The same sequence under the error policy raises Full.
func TestErrorPolicyRaisesFull(t *testing.T) {
	withFakeClock(t)
	c := New(100, Error)

	require.NoError(t, c.Add("k1", "t", payload(40), 0))
	require.NoError(t, c.Add("k2", "t", payload(40), 0))
	err := c.Add("k3", "t", payload(40), 0)
	assert.True(t, ndierr.Is(err, ndierr.Full))
	assert.Equal(t, 80, c.Bytes())
	assert.NotNil(t, c.Lookup("k1", "t"))
}

// under LIFO the incoming entry is the newest candidate, so a same-priority
// add into a full cache is its own first victim: the add aborts and the
// residents survive untouched
func TestLIFOSamePriorityAdmissionAborts(t *testing.T) {
	withFakeClock(t)
	c := New(100, LIFO)

	require.NoError(t, c.Add("k1", "t", payload(40), 0))
	require.NoError(t, c.Add("k2", "t", payload(40), 0))
	err := c.Add("k3", "t", payload(40), 0)
	assert.True(t, ndierr.Is(err, ndierr.Full))

	assert.NotNil(t, c.Lookup("k1", "t"))
	assert.NotNil(t, c.Lookup("k2", "t"))
	assert.Nil(t, c.Lookup("k3", "t"))
	assert.Equal(t, 80, c.Bytes())
}

// a higher-priority newcomer ranks past the residents, and LIFO then evicts
// the newest resident first
func TestLIFOEvictsNewestResidentForHigherPriority(t *testing.T) {
	withFakeClock(t)
	c := New(100, LIFO)

	require.NoError(t, c.Add("k1", "t", payload(40), 0))
	require.NoError(t, c.Add("k2", "t", payload(40), 0))
	require.NoError(t, c.Add("k3", "t", payload(40), 1))

	assert.NotNil(t, c.Lookup("k1", "t"))
	assert.Nil(t, c.Lookup("k2", "t"))
	assert.NotNil(t, c.Lookup("k3", "t"))
}

func TestOversizePayloadFails(t *testing.T) {
	c := New(100, FIFO)
	err := c.Add("big", "t", payload(101), 0)
	assert.True(t, ndierr.Is(err, ndierr.TooLarge))
	assert.Zero(t, c.Bytes())
}

// higher-priority residents outlive lower-priority newer ones
func TestPriorityOutranksRecency(t *testing.T) {
	withFakeClock(t)
	c := New(100, FIFO)

	require.NoError(t, c.Add("precious", "t", payload(40), 5))
	require.NoError(t, c.Add("cheap", "t", payload(40), 0))
	require.NoError(t, c.Add("k3", "t", payload(40), 0))

	assert.NotNil(t, c.Lookup("precious", "t"))
	assert.Nil(t, c.Lookup("cheap", "t"))
}

// an entry that would rank among its own victims is refused without
// evicting anything
func TestSelfVictimAdmissionAborts(t *testing.T) {
	withFakeClock(t)
	c := New(100, FIFO)

	require.NoError(t, c.Add("k1", "t", payload(40), 5))
	require.NoError(t, c.Add("k2", "t", payload(40), 5))

	err := c.Add("lowball", "t", payload(40), 0)
	assert.True(t, ndierr.Is(err, ndierr.Full))
	assert.Equal(t, 80, c.Bytes())
	assert.NotNil(t, c.Lookup("k1", "t"))
	assert.NotNil(t, c.Lookup("k2", "t"))
	assert.Nil(t, c.Lookup("lowball", "t"))
}

// Resident bytes never exceed max memory after a successful add.
func TestNeverExceedsMaxMemory(t *testing.T) {
	withFakeClock(t)
	c := New(100, FIFO)
	sizes := []int{30, 50, 20, 60, 10, 40, 90}
	for i, n := range sizes {
		err := c.Add(string(rune('a'+i)), "t", payload(n), i%3)
		if err == nil {
			assert.LessOrEqual(t, c.Bytes(), 100)
		}
	}
}

// Replaying the same sequence yields the same resident set.
func TestEvictionIsDeterministic(t *testing.T) {
	run := func() [][2]string {
		orig := Clock
		Clock = fakeClock()
		defer func() { Clock = orig }()

		c := New(100, FIFO)
		_ = c.Add("a", "t", payload(30), 1)
		_ = c.Add("b", "t", payload(50), 0)
		_ = c.Add("c", "t", payload(20), 2)
		c.Remove("b", "t")
		_ = c.Add("d", "t", payload(60), 0)
		_ = c.Add("e", "t", payload(40), 1)
		return c.Keys()
	}
	assert.Equal(t, run(), run())
}

func TestLookupDoesNotRefreshTimestamp(t *testing.T) {
	withFakeClock(t)
	c := New(100, FIFO)
	require.NoError(t, c.Add("k", "t", payload(10), 0))
	before := c.Lookup("k", "t").Timestamp
	_ = c.Lookup("k", "t")
	assert.Equal(t, before, c.Lookup("k", "t").Timestamp)
}

func TestRemoveIndexAndClear(t *testing.T) {
	withFakeClock(t)
	c := New(100, FIFO)
	require.NoError(t, c.Add("a", "t", payload(10), 0))
	require.NoError(t, c.Add("b", "t", payload(10), 0))

	assert.True(t, c.RemoveIndex(0))
	assert.False(t, c.RemoveIndex(5))
	assert.Nil(t, c.Lookup("a", "t"))
	assert.Equal(t, 10, c.Bytes())

	c.Clear()
	assert.Zero(t, c.Bytes())
	assert.Zero(t, c.Len())
}

func TestSameKeyDifferentTypeCoexist(t *testing.T) {
	withFakeClock(t)
	c := New(100, FIFO)
	require.NoError(t, c.Add("k", "epoch_table", payload(10), 0))
	require.NoError(t, c.Add("k", "probe_map", payload(10), 0))
	assert.NotNil(t, c.Lookup("k", "epoch_table"))
	assert.NotNil(t, c.Lookup("k", "probe_map"))
	assert.Equal(t, 20, c.Bytes())
}
