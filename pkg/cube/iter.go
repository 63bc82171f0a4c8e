package cube

import "iter"

// All yields every leaf depth-first as (key path, measures). Each yielded key
// slice is freshly allocated; the measures must not be modified.
func (c *Cube) All() iter.Seq2[[]any, Measures] {
	return func(yield func([]any, Measures) bool) {
		path := make([]any, 0, len(c.dims))
		walk(c.root, len(c.dims), path, yield)
	}
}

func walk(n *node, depth int, path []any, yield func([]any, Measures) bool) bool {
	if depth == 0 {
		keys := make([]any, len(path))
		copy(keys, path)
		return yield(keys, n.measures)
	}
	for _, k := range n.order {
		if !walk(n.children[k], depth-1, append(path, k), yield) {
			return false
		}
	}
	return true
}

// Keys yields the key path of every leaf.
func (c *Cube) Keys() iter.Seq[[]any] {
	return func(yield func([]any) bool) {
		for keys := range c.All() {
			if !yield(keys) {
				return
			}
		}
	}
}

// Values yields the measures of every leaf.
func (c *Cube) Values() iter.Seq[Measures] {
	return func(yield func(Measures) bool) {
		for _, m := range c.All() {
			if !yield(m) {
				return
			}
		}
	}
}

// KeysFor yields the value of dim for every node at that level, including
// duplicates across different parent branches.
func (c *Cube) KeysFor(dim string) (iter.Seq[any], error) {
	idx, err := c.dimIndex(dim)
	if err != nil {
		return nil, err
	}
	return func(yield func(any) bool) {
		keysAt(c.root, idx, yield)
	}, nil
}

func keysAt(n *node, depth int, yield func(any) bool) bool {
	for _, k := range n.order {
		if depth == 0 {
			if !yield(k) {
				return false
			}
			continue
		}
		if !keysAt(n.children[k], depth-1, yield) {
			return false
		}
	}
	return true
}
