package eventstream_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentrt/eventstream"
)

func TestPushOrderPreserved(t *testing.T) {
	s := eventstream.New[int, int](4, nil, nil)
	go func() {
		for i := 0; i < 5; i++ {
			s.Push(i)
		}
		s.End(0, false)
	}()

	c := s.Clone()
	ctx := context.Background()
	var got []int
	for {
		v, ok, err := c.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestIsCompletePredicateAutoTerminates(t *testing.T) {
	isDone := func(e string) bool { return e == "done" }
	agg := func(last string, ok bool) (string, bool) { return last, ok }
	s := eventstream.New[string, string](2, isDone, agg)

	s.Push("a")
	s.Push("done")
	s.Push("ignored-after-terminate")

	require.True(t, s.Closed())
	result, ok := s.Result()
	require.True(t, ok)
	require.Equal(t, "done", result)

	c := s.Clone()
	var got []string
	for {
		v, more, err := c.Next(context.Background())
		require.NoError(t, err)
		if !more {
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []string{"a", "done"}, got)
}

func TestCloneIndependentCursors(t *testing.T) {
	s := eventstream.New[int, int](4, nil, nil)
	s.Push(1)
	s.Push(2)
	s.End(0, false)

	c1 := s.Clone()
	c2 := s.Clone()

	v, _, _ := c1.Next(context.Background())
	require.Equal(t, 1, v)

	v, _, _ = c2.Next(context.Background())
	require.Equal(t, 1, v)
	v, _, _ = c2.Next(context.Background())
	require.Equal(t, 2, v)
}
