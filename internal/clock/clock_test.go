package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClock_NowAndSince(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
	assert.Equal(t, 90*time.Second, c.Since(start))
}

func TestMockClock_AfterFuncFiresAtDeadline(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	fired := 0
	c.AfterFunc(5*time.Second, func() { fired++ })

	c.Advance(4 * time.Second)
	assert.Equal(t, 0, fired)

	c.Advance(1 * time.Second)
	assert.Equal(t, 1, fired)

	// Does not fire again.
	c.Advance(10 * time.Second)
	assert.Equal(t, 1, fired)
}

func TestMockClock_StoppedTimerDoesNotFire(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired)
	assert.False(t, timer.Stop())
}

func TestMockClock_TimersFireInDeadlineOrder(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))

	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(5*time.Second, func() { order = append(order, "c") })

	c.Advance(10 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestMockClock_ReschedulingTimerKeepsFiringWithinAdvance(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))

	ticks := 0
	var timer Timer
	timer = c.AfterFunc(time.Second, func() {})
	timer.Stop()

	var tick func()
	tick = func() {
		ticks++
		timer = c.AfterFunc(time.Second, tick)
	}
	timer = c.AfterFunc(time.Second, tick)

	c.Advance(5 * time.Second)
	assert.Equal(t, 5, ticks)
}

func TestMockClock_AfterDeliversOnChannel(t *testing.T) {
	c := NewMockClock(time.Unix(100, 0))

	ch := c.After(30 * time.Second)
	c.Advance(30 * time.Second)

	select {
	case got := <-ch:
		assert.Equal(t, time.Unix(130, 0), got)
	default:
		t.Fatal("expected a value on the After channel")
	}
}

func TestRealClock_Basics(t *testing.T) {
	c := NewRealClock()
	before := time.Now()
	now := c.Now()
	assert.False(t, now.Before(before))
	assert.GreaterOrEqual(t, c.Since(before), time.Duration(0))
}
