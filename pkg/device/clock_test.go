package device

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock_FiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	c := NewManualClock()
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.AfterFunc(time.Second, func() { order = append(order, "b") })

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 2*time.Second, c.Elapsed())
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Zero(t, c.Pending())
}

func TestManualClock_ConcurrentAdvanceNeverRewinds(t *testing.T) {
	t.Parallel()

	c := NewManualClock()
	entered := make(chan struct{})
	release := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() {
		close(entered)
		<-release
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Advance(time.Millisecond)
	}()
	<-entered

	go func() {
		defer wg.Done()
		c.Advance(time.Second)
	}()
	// Give the second Advance time to block behind the first.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, time.Second+time.Millisecond, c.Elapsed())
}

func TestManualClock_ConcurrentAdvanceKeepsTickSpacing(t *testing.T) {
	t.Parallel()

	c := NewManualClock()
	var (
		mu    sync.Mutex
		fired []time.Duration
	)
	var tick func()
	tick = func() {
		mu.Lock()
		fired = append(fired, c.Elapsed())
		n := len(fired)
		mu.Unlock()
		if n < AlarmSeconds {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	var wg sync.WaitGroup
	for range AlarmSeconds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, time.Duration(AlarmSeconds)*time.Second, c.Elapsed())
	require.Len(t, fired, AlarmSeconds)
	for i, at := range fired {
		assert.Equal(t, time.Duration(i+1)*time.Second, at, "tick %d", i)
	}
}

func TestManualClock_RescheduleWithinWindow(t *testing.T) {
	t.Parallel()

	c := NewManualClock()
	fired := 0
	var tick func()
	tick = func() {
		fired++
		if fired < 5 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	assert.Equal(t, 5, fired)
	assert.Zero(t, c.Pending())
}

func TestManualClock_Stop(t *testing.T) {
	t.Parallel()

	c := NewManualClock()
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired)

	tm = c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	assert.False(t, tm.Stop(), "stopping a fired timer reports false")
}

func TestChange_StringRoundTrip(t *testing.T) {
	t.Parallel()

	for c := ChangeConnected; c <= ChangeNotificationReset; c++ {
		name := c.String()
		assert.NotEqual(t, "unknown", name)
		got, ok := ParseChange(name)
		assert.True(t, ok, name)
		assert.Equal(t, c, got)
	}

	assert.Equal(t, "unknown", Change(0).String())
	_, ok := ParseChange("bogus")
	assert.False(t, ok)
}

func TestChange_IsAlarm(t *testing.T) {
	t.Parallel()

	assert.True(t, ChangeAlarmTriggered.IsAlarm())
	assert.True(t, ChangeNotificationReset.IsAlarm())
	assert.False(t, ChangeLightLevel.IsAlarm())
	assert.False(t, ChangeConnected.IsAlarm())
}
