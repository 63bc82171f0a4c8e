package cube

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T, dims ...string) *Cube {
	t.Helper()
	c, err := New(dims...)
	require.NoError(t, err)
	return c
}

func collect(c *Cube) map[string]Measures {
	out := make(map[string]Measures)
	for keys, m := range c.All() {
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprint(k)
		}
		out[strings.Join(parts, " ")] = m.Clone()
	}
	return out
}

func TestJobUsage_Cube_New(t *testing.T) {
	t.Parallel()

	t.Run("rejects empty dimensions", func(t *testing.T) {
		t.Parallel()
		_, err := New()
		require.ErrorIs(t, err, ErrNoDimensions)
	})

	t.Run("rejects duplicate dimensions", func(t *testing.T) {
		t.Parallel()
		_, err := New("user", "user")
		require.Error(t, err)
	})

	t.Run("dimensions are copied", func(t *testing.T) {
		t.Parallel()
		c := mustNew(t, "user", "time")
		dims := c.Dimensions()
		dims[0] = "changed"
		require.Equal(t, []string{"user", "time"}, c.Dimensions())
	})
}

func TestJobUsage_Cube_Aggregate(t *testing.T) {
	t.Parallel()

	t.Run("sums repeated keys", func(t *testing.T) {
		t.Parallel()
		c := mustNew(t, "user", "time")
		require.NoError(t, c.Aggregate([]any{"a", 1}, Measures{"x": 2}))
		require.NoError(t, c.Aggregate([]any{"a", 1}, Measures{"x": 3, "y": 1}))

		m, ok := c.Lookup("a", 1)
		require.True(t, ok)
		require.Equal(t, Measures{"x": 5, "y": 1}, m)
	})

	t.Run("is additive across splits", func(t *testing.T) {
		t.Parallel()
		whole := mustNew(t, "user")
		split := mustNew(t, "user")
		require.NoError(t, whole.Aggregate([]any{"a"}, Measures{"x": 10}))
		require.NoError(t, split.Aggregate([]any{"a"}, Measures{"x": 4}))
		require.NoError(t, split.Aggregate([]any{"a"}, Measures{"x": 6}))
		require.Empty(t, cmp.Diff(collect(whole), collect(split)))
	})

	t.Run("shape mismatch", func(t *testing.T) {
		t.Parallel()
		c := mustNew(t, "user", "time")
		err := c.Aggregate([]any{"a"}, Measures{"x": 1})
		require.ErrorIs(t, err, ErrShape)
		require.Equal(t, 0, c.Len())
	})

	t.Run("invalid key type", func(t *testing.T) {
		t.Parallel()
		c := mustNew(t, "user")
		err := c.Aggregate([]any{[]string{"a"}}, Measures{"x": 1})
		require.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("integer kinds address the same leaf", func(t *testing.T) {
		t.Parallel()
		c := mustNew(t, "time")
		require.NoError(t, c.Aggregate([]any{int(5)}, Measures{"x": 1}))
		require.NoError(t, c.Aggregate([]any{int64(5)}, Measures{"x": 1}))
		require.NoError(t, c.Aggregate([]any{uint32(5)}, Measures{"x": 1}))
		require.Equal(t, 1, c.Len())
		m, ok := c.Lookup(int64(5))
		require.True(t, ok)
		require.Equal(t, 3.0, m["x"])
	})
}

func TestJobUsage_Cube_Put(t *testing.T) {
	t.Parallel()

	c := mustNew(t, "user", "time")
	require.NoError(t, c.Put([]any{"a", 1}, Measures{"x": 1}))
	require.NoError(t, c.Put([]any{"a", 1}, Measures{"y": 2}))

	err := c.Put([]any{"a", 1}, Measures{"x": 9, "z": 1})
	require.ErrorIs(t, err, ErrDuplicate)

	m, ok := c.Lookup("a", 1)
	require.True(t, ok)
	require.Equal(t, Measures{"x": 1, "y": 2}, m, "failed put must not write")
}

func TestJobUsage_Cube_Transforms(t *testing.T) {
	t.Parallel()

	build := func(t *testing.T) *Cube {
		c := mustNew(t, "user", "time")
		require.NoError(t, c.Put([]any{"a", 1}, Measures{"x": 1}))
		require.NoError(t, c.Put([]any{"a", 2}, Measures{"x": 2}))
		require.NoError(t, c.Put([]any{"b", 1}, Measures{"x": 10}))
		require.NoError(t, c.Put([]any{"c", 2}, Measures{"x": 100}))
		return c
	}

	t.Run("collapse sums the removed dimension", func(t *testing.T) {
		t.Parallel()
		c := build(t)
		out, err := c.CollapseOn("user")
		require.NoError(t, err)
		require.Equal(t, []string{"time"}, out.Dimensions())
		require.Equal(t, map[string]Measures{
			"1": {"x": 11},
			"2": {"x": 102},
		}, collect(out))
		require.Equal(t, 4, c.Len(), "source cube is unchanged")
	})

	t.Run("collapse of last dimension fails", func(t *testing.T) {
		t.Parallel()
		c := mustNew(t, "user")
		_, err := c.CollapseOn("user")
		require.ErrorIs(t, err, ErrNoDimensions)
	})

	t.Run("filter keeps matching entries", func(t *testing.T) {
		t.Parallel()
		c := build(t)
		out, err := c.FilterOn("user", func(v any) bool { return v == "a" })
		require.NoError(t, err)
		require.Equal(t, map[string]Measures{
			"a 1": {"x": 1},
			"a 2": {"x": 2},
		}, collect(out))
	})

	t.Run("filter then collapse equals collapse of filtered input", func(t *testing.T) {
		t.Parallel()
		c := build(t)
		keep := func(v any) bool { return v == "a" || v == "c" }

		filtered, err := c.FilterOn("user", keep)
		require.NoError(t, err)
		got, err := filtered.CollapseOn("user")
		require.NoError(t, err)

		manual := mustNew(t, "user", "time")
		for keys, m := range c.All() {
			if keep(keys[0]) {
				require.NoError(t, manual.Aggregate(keys, m))
			}
		}
		want, err := manual.CollapseOn("user")
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(collect(want), collect(got)))
	})

	t.Run("aggregate on maps and merges keys", func(t *testing.T) {
		t.Parallel()
		c := build(t)
		out, err := c.AggregateOn("time", func(v any) any { return v.(int64) / 10 })
		require.NoError(t, err)
		require.Equal(t, map[string]Measures{
			"a 0": {"x": 3},
			"b 0": {"x": 10},
			"c 0": {"x": 100},
		}, collect(out))
	})

	t.Run("unknown dimension", func(t *testing.T) {
		t.Parallel()
		c := build(t)
		_, err := c.FilterOn("cluster", func(any) bool { return true })
		require.ErrorIs(t, err, ErrUnknownDimension)
		_, err = c.CollapseOn("cluster")
		require.ErrorIs(t, err, ErrUnknownDimension)
		_, err = c.AggregateOn("cluster", func(v any) any { return v })
		require.ErrorIs(t, err, ErrUnknownDimension)
		_, err = c.KeysFor("cluster")
		require.ErrorIs(t, err, ErrUnknownDimension)
	})

	t.Run("slice peels the first dimension", func(t *testing.T) {
		t.Parallel()
		c := build(t)
		sub, ok := c.Slice("a")
		require.True(t, ok)
		require.Equal(t, []string{"time"}, sub.Dimensions())
		m, ok := sub.Lookup(2)
		require.True(t, ok)
		require.Equal(t, 2.0, m["x"])

		_, ok = c.Slice("missing")
		require.False(t, ok)
	})
}

func TestJobUsage_Cube_Enumeration(t *testing.T) {
	t.Parallel()

	c := mustNew(t, "user", "time")
	require.NoError(t, c.Put([]any{"b", 1}, Measures{"x": 1}))
	require.NoError(t, c.Put([]any{"a", 2}, Measures{"x": 2}))
	require.NoError(t, c.Put([]any{"b", 2}, Measures{"x": 3}))

	var keys [][]any
	for k := range c.Keys() {
		keys = append(keys, k)
	}
	require.Equal(t, [][]any{{"b", int64(1)}, {"b", int64(2)}, {"a", int64(2)}}, keys)

	var again [][]any
	for k := range c.Keys() {
		again = append(again, k)
	}
	require.Equal(t, keys, again, "enumeration is restartable and stable")

	var total float64
	for m := range c.Values() {
		total += m["x"]
	}
	require.Equal(t, 6.0, total)

	times, err := c.KeysFor("time")
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(2), int64(2)}, slices.Collect(times))

	users, err := c.KeysFor("user")
	require.NoError(t, err)
	require.Equal(t, []any{"b", "a"}, slices.Collect(users))

	n := 0
	for range c.All() {
		n++
		break
	}
	require.Equal(t, 1, n)
}

func TestJobUsage_Cube_Build(t *testing.T) {
	t.Parallel()

	c, err := Build([]string{"user", "time"}, []Row{
		{Props: map[string]any{"user": "a", "time": 1}, Values: Measures{"x": 1}},
		{Props: map[string]any{"user": "a", "time": 1}, Values: Measures{"x": 2}},
		{Props: map[string]any{"user": "b"}, Values: Measures{"x": 5}},
		{Props: map[string]any{"user": nil, "time": 1}, Values: Measures{"x": 5}},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]Measures{"a 1": {"x": 3}}, collect(c))
}

func TestJobUsage_Cube_Codec(t *testing.T) {
	t.Parallel()

	c := mustNew(t, "user", "time", "excess", "ratio")
	require.NoError(t, c.Put([]any{"a", 1, true, 0.5}, Measures{"x": 1, "y": 2.25}))
	require.NoError(t, c.Put([]any{"b", -7, false, 1.5}, Measures{"x": 3}))
	require.NoError(t, c.Put([]any{"", 0, false, 0.0}, Measures{}))

	data, err := c.MarshalBinary()
	require.NoError(t, err)

	var out Cube
	require.NoError(t, out.UnmarshalBinary(data))
	require.Equal(t, c.Dimensions(), out.Dimensions())
	require.Empty(t, cmp.Diff(collect(c), collect(&out)))

	var bad Cube
	err = bad.UnmarshalBinary([]byte("not a cube"))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrShape))
}
