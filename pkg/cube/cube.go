// Package cube implements a sparse N-dimensional aggregation tree.
//
// A Cube is defined over an ordered tuple of dimension names. Each level of the
// tree maps one dimension's value to the next level, and the leaves hold named
// numeric measures. Cubes are not safe for concurrent mutation.
package cube

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrShape            = errors.New("key count does not match dimension count")
	ErrUnknownDimension = errors.New("unknown dimension")
	ErrDuplicate        = errors.New("measure already present")
	ErrInvalidKey       = errors.New("invalid key value")
	ErrNoDimensions     = errors.New("cube requires at least one dimension")
)

// Measures maps a measure name to its accumulated value.
type Measures map[string]float64

// Clone returns a copy of m.
func (m Measures) Clone() Measures {
	out := make(Measures, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type node struct {
	// order keeps child keys in insertion order so enumeration is stable.
	order    []any
	children map[any]*node
	measures Measures
}

func newNode() *node {
	return &node{children: make(map[any]*node)}
}

func (n *node) child(key any) *node {
	c, ok := n.children[key]
	if !ok {
		c = newNode()
		n.children[key] = c
		n.order = append(n.order, key)
	}
	return c
}

type Cube struct {
	dims []string
	root *node
}

// New returns an empty cube over the given dimensions. Dimension names must be
// unique.
func New(dims ...string) (*Cube, error) {
	if len(dims) == 0 {
		return nil, ErrNoDimensions
	}
	seen := make(map[string]struct{}, len(dims))
	for _, d := range dims {
		if _, ok := seen[d]; ok {
			return nil, fmt.Errorf("duplicate dimension %q", d)
		}
		seen[d] = struct{}{}
	}
	return &Cube{dims: slices.Clone(dims), root: newNode()}, nil
}

// Dimensions returns the cube's dimension names in order.
func (c *Cube) Dimensions() []string {
	return slices.Clone(c.dims)
}

// Len returns the number of leaves.
func (c *Cube) Len() int {
	n := 0
	for range c.All() {
		n++
	}
	return n
}

func (c *Cube) dimIndex(dim string) (int, error) {
	i := slices.Index(c.dims, dim)
	if i < 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDimension, dim)
	}
	return i, nil
}

// leaf walks the tree along keys, creating levels as needed.
func (c *Cube) leaf(keys []any) (*node, error) {
	if len(keys) != len(c.dims) {
		return nil, fmt.Errorf("%w: got %d keys for %d dimensions", ErrShape, len(keys), len(c.dims))
	}
	norm := make([]any, len(keys))
	for i, k := range keys {
		nk, err := normalizeKey(k)
		if err != nil {
			return nil, fmt.Errorf("dimension %q: %w", c.dims[i], err)
		}
		norm[i] = nk
	}
	n := c.root
	for _, k := range norm {
		n = n.child(k)
	}
	if n.measures == nil {
		n.measures = make(Measures)
	}
	return n, nil
}

// Aggregate sums measures into the leaf addressed by keys.
func (c *Cube) Aggregate(keys []any, measures Measures) error {
	n, err := c.leaf(keys)
	if err != nil {
		return err
	}
	for name, v := range measures {
		n.measures[name] += v
	}
	return nil
}

// Put stores measures at the leaf addressed by keys. It fails without writing
// anything if any of the measures is already present at that leaf.
func (c *Cube) Put(keys []any, measures Measures) error {
	n, err := c.leaf(keys)
	if err != nil {
		return err
	}
	for name := range measures {
		if _, ok := n.measures[name]; ok {
			return fmt.Errorf("%w: %q at %v", ErrDuplicate, name, keys)
		}
	}
	for name, v := range measures {
		n.measures[name] = v
	}
	return nil
}

// Lookup returns the measures stored at keys.
func (c *Cube) Lookup(keys ...any) (Measures, bool) {
	if len(keys) != len(c.dims) {
		return nil, false
	}
	n := c.root
	for _, k := range keys {
		nk, err := normalizeKey(k)
		if err != nil {
			return nil, false
		}
		next, ok := n.children[nk]
		if !ok {
			return nil, false
		}
		n = next
	}
	return n.measures, n.measures != nil
}

// FilterOn returns a cube with the same dimensions holding only the entries
// whose value at dim satisfies pred.
func (c *Cube) FilterOn(dim string, pred func(any) bool) (*Cube, error) {
	idx, err := c.dimIndex(dim)
	if err != nil {
		return nil, err
	}
	out := &Cube{dims: slices.Clone(c.dims), root: newNode()}
	for keys, m := range c.All() {
		if !pred(keys[idx]) {
			continue
		}
		if err := out.Aggregate(keys, m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AggregateOn returns a cube where each value of dim is replaced by
// mapper(value). Entries that collide after mapping are summed.
func (c *Cube) AggregateOn(dim string, mapper func(any) any) (*Cube, error) {
	idx, err := c.dimIndex(dim)
	if err != nil {
		return nil, err
	}
	out := &Cube{dims: slices.Clone(c.dims), root: newNode()}
	for keys, m := range c.All() {
		keys[idx] = mapper(keys[idx])
		if err := out.Aggregate(keys, m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CollapseOn returns a cube without dim. Entries that differ only in dim are
// summed. Collapsing the last remaining dimension is an error.
func (c *Cube) CollapseOn(dim string) (*Cube, error) {
	idx, err := c.dimIndex(dim)
	if err != nil {
		return nil, err
	}
	if len(c.dims) == 1 {
		return nil, ErrNoDimensions
	}
	out := &Cube{dims: slices.Delete(slices.Clone(c.dims), idx, idx+1), root: newNode()}
	for keys, m := range c.All() {
		if err := out.Aggregate(slices.Delete(keys, idx, idx+1), m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Slice returns the sub-cube under key in the first dimension. The returned
// cube shares storage with c. A single-dimension cube cannot be sliced.
func (c *Cube) Slice(key any) (*Cube, bool) {
	if len(c.dims) < 2 {
		return nil, false
	}
	nk, err := normalizeKey(key)
	if err != nil {
		return nil, false
	}
	sub, ok := c.root.children[nk]
	if !ok {
		return nil, false
	}
	return &Cube{dims: c.dims[1:], root: sub}, true
}

// Row is a flat record used by Build.
type Row struct {
	Props  map[string]any
	Values Measures
}

// Build aggregates rows into a new cube. Rows missing a value for any
// dimension are skipped.
func Build(dims []string, rows []Row) (*Cube, error) {
	c, err := New(dims...)
	if err != nil {
		return nil, err
	}
	keys := make([]any, len(dims))
rows:
	for _, r := range rows {
		for i, d := range dims {
			v, ok := r.Props[d]
			if !ok || v == nil {
				continue rows
			}
			keys[i] = v
		}
		if err := c.Aggregate(keys, r.Values); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// normalizeKey maps every integer kind to int64 and float32 to float64 so that
// equal values address the same branch.
func normalizeKey(k any) (any, error) {
	switch v := k.(type) {
	case string, bool, int64, float64:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float32:
		return float64(v), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidKey, k)
	}
}
