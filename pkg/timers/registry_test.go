package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/schalter/pkg/clock"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func newRegistry(t *testing.T) (*Registry, *clock.FakeClock) {
	t.Helper()
	c := clock.Fake(epoch)
	r := New(c, 2)
	t.Cleanup(r.Close)
	return r, c
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		return ""
	}
}

func assertQuiet(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected callback %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistry_FiresOnce(t *testing.T) {
	r, c := newRegistry(t)
	fired := make(chan string, 4)

	r.Schedule("x", epoch.Add(time.Second), func() { fired <- "x" })
	at, ok := r.Pending("x")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Second), at)

	c.Advance(999 * time.Millisecond)
	assertQuiet(t, fired)

	c.Advance(time.Millisecond)
	assert.Equal(t, "x", waitFor(t, fired))
	assert.Equal(t, 0, r.Len())

	c.Advance(time.Hour)
	assertQuiet(t, fired)
}

func TestRegistry_RescheduleReplaces(t *testing.T) {
	r, c := newRegistry(t)
	fired := make(chan string, 16)

	for i := 1; i <= 10; i++ {
		label := string(rune('a' + i - 1))
		r.Schedule("x", epoch.Add(time.Duration(i*100)*time.Millisecond), func() { fired <- label })
		assert.Equal(t, 1, r.Len())
	}

	c.Advance(999 * time.Millisecond)
	assertQuiet(t, fired)

	c.Advance(time.Millisecond)
	assert.Equal(t, "j", waitFor(t, fired))
	c.Advance(time.Hour)
	assertQuiet(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestRegistry_RescheduleEarlier(t *testing.T) {
	r, c := newRegistry(t)
	fired := make(chan string, 4)

	r.Schedule("x", epoch.Add(time.Minute), func() { fired <- "late" })
	r.Schedule("x", epoch.Add(time.Second), func() { fired <- "early" })

	c.Advance(time.Second)
	assert.Equal(t, "early", waitFor(t, fired))
	c.Advance(time.Hour)
	assertQuiet(t, fired)
}

func TestRegistry_Cancel(t *testing.T) {
	r, c := newRegistry(t)
	fired := make(chan string, 4)

	assert.False(t, r.Cancel("x"))
	r.Schedule("x", epoch.Add(time.Second), func() { fired <- "x" })
	assert.True(t, r.Cancel("x"))
	assert.False(t, r.Cancel("x"))
	_, ok := r.Pending("x")
	assert.False(t, ok)

	c.Advance(time.Hour)
	assertQuiet(t, fired)
}

func TestRegistry_OverdueFiresImmediately(t *testing.T) {
	r, _ := newRegistry(t)
	fired := make(chan string, 4)

	r.Schedule("now", epoch, func() { fired <- "now" })
	assert.Equal(t, "now", waitFor(t, fired))

	r.Schedule("past", epoch.Add(-time.Hour), func() { fired <- "past" })
	assert.Equal(t, "past", waitFor(t, fired))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_OverdueReplacesPending(t *testing.T) {
	r, c := newRegistry(t)
	fired := make(chan string, 4)

	r.Schedule("x", epoch.Add(time.Second), func() { fired <- "pending" })
	r.Schedule("x", epoch.Add(-time.Second), func() { fired <- "overdue" })
	assert.Equal(t, "overdue", waitFor(t, fired))

	c.Advance(time.Hour)
	assertQuiet(t, fired)
}

func TestRegistry_IndependentKeys(t *testing.T) {
	r, c := newRegistry(t)
	fired := make(chan string, 4)

	r.Schedule("a", epoch.Add(time.Second), func() { fired <- "a" })
	r.Schedule("b", epoch.Add(2*time.Second), func() { fired <- "b" })
	assert.Equal(t, 2, r.Len())

	c.Advance(2 * time.Second)
	got := []string{waitFor(t, fired), waitFor(t, fired)}
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestRegistry_PanicDoesNotKillPool(t *testing.T) {
	c := clock.Fake(epoch)
	r := New(c, 1)
	defer r.Close()
	fired := make(chan string, 4)

	r.Schedule("boom", epoch.Add(time.Second), func() { panic("boom") })
	r.Schedule("ok", epoch.Add(2*time.Second), func() { fired <- "ok" })

	c.Advance(2 * time.Second)
	assert.Equal(t, "ok", waitFor(t, fired))
}

func TestRegistry_CloseStopsTimers(t *testing.T) {
	c := clock.Fake(epoch)
	r := New(c, 1)
	var calls atomic.Int32

	r.Schedule("x", epoch.Add(time.Second), func() { calls.Add(1) })
	r.Close()
	r.Close()

	c.Advance(time.Hour)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RealClock(t *testing.T) {
	r := New(clock.Real(), 1)
	defer r.Close()
	fired := make(chan string, 4)

	r.Schedule("x", time.Now().Add(time.Hour), func() { fired <- "stale" })
	r.Schedule("x", time.Now().Add(20*time.Millisecond), func() { fired <- "fresh" })
	assert.Equal(t, "fresh", waitFor(t, fired))
	assertQuiet(t, fired)
}
