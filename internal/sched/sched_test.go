package sched_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/udpcast/internal/sched"
)

func TestRunDueOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := sched.New(clock)

	var got []string
	s.After("b", 2*time.Second, func() { got = append(got, "b") })
	s.After("a", time.Second, func() { got = append(got, "a") })
	s.After("c", 3*time.Second, func() { got = append(got, "c") })

	require.Zero(t, s.RunDue())

	clock.Advance(2 * time.Second)
	require.Equal(t, 2, s.RunDue())
	require.Equal(t, []string{"a", "b"}, got)

	next, ok := s.Next()
	require.True(t, ok)
	require.Equal(t, clock.Now().Add(time.Second), next)

	clock.Advance(time.Second)
	require.Equal(t, 1, s.RunDue())
	require.Equal(t, []string{"a", "b", "c"}, got)

	_, ok = s.Next()
	require.False(t, ok)
}

func TestAfterReplacesPendingKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := sched.New(clock)

	var got []int
	s.After("retry", time.Second, func() { got = append(got, 1) })
	s.After("retry", 5*time.Second, func() { got = append(got, 2) })

	clock.Advance(time.Second)
	require.Zero(t, s.RunDue(), "the replaced action must not run")
	require.True(t, s.Pending("retry"))

	clock.Advance(4 * time.Second)
	require.Equal(t, 1, s.RunDue())
	require.Equal(t, []int{2}, got)
	require.False(t, s.Pending("retry"))
}

func TestCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := sched.New(clock)

	ran := false
	s.After("keepalive", time.Second, func() { ran = true })
	s.Cancel("keepalive")
	s.Cancel("unknown")

	clock.Advance(time.Minute)
	require.Zero(t, s.RunDue())
	require.False(t, ran)

	s.After("x", time.Second, func() { ran = true })
	s.After("y", time.Second, func() { ran = true })
	s.CancelAll()
	clock.Advance(time.Minute)
	require.Zero(t, s.RunDue())
	require.False(t, ran)
}

// TestRescheduleFromAction covers the retry pattern: an action that schedules
// itself again under the same key.
func TestRescheduleFromAction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := sched.New(clock)

	retries := 3
	var attempt func()
	attempt = func() {
		retries--
		if retries > 0 {
			s.After("join", time.Second, attempt)
		}
	}
	s.After("join", time.Second, attempt)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		s.RunDue()
	}
	require.Zero(t, retries)
	require.False(t, s.Pending("join"))
}
