package ostrie

import "fmt"

const keyBits = 64

// node holds the total multiplicity of every key sharing its prefix.
type node struct {
	weight int64
	left   *node // bit 0
	right  *node // bit 1
}

// Trie is a dynamic multiset of uint64 keys with per-key weights.
//
// Every level of the trie consumes one bit of the key, most significant first,
// so rank/min/max/select all cost a fixed 64 steps. Nodes whose weight drops
// to zero are detached immediately, which bounds the trie by the number of
// distinct keys currently present.
//
// Trie is not safe for concurrent use.
type Trie struct {
	root node
}

// New creates an empty trie.
func New() *Trie {
	return &Trie{}
}

// Total returns the total multiplicity stored.
func (t *Trie) Total() int64 {
	return t.root.weight
}

// IsEmpty reports whether the trie holds no mass. Min and Max return 0 on an
// empty trie, which is indistinguishable from key 0 being present.
func (t *Trie) IsEmpty() bool {
	return t.root.weight == 0
}

// Insert adds delta to the multiplicity of key. A negative delta removes mass;
// removing more than was inserted for key is a caller bug and panics.
func (t *Trie) Insert(key uint64, delta int64) {
	if delta == 0 {
		return
	}
	if delta < 0 {
		// Early detach below would otherwise hide removal of mass belonging
		// to sibling keys under a shared prefix.
		if have := t.Count(key); have < -delta {
			panic(fmt.Sprintf("ostrie: removing %d from key %d which holds %d", -delta, key, have))
		}
	}
	t.root.weight += delta

	n := &t.root
	for i := keyBits - 1; i >= 0; i-- {
		link := &n.left
		if key&(1<<uint(i)) != 0 {
			link = &n.right
		}

		child := *link
		if child == nil {
			child = &node{}
			*link = child
		}

		w := child.weight + delta
		if w == 0 {
			// Whole subtree is empty now.
			*link = nil
			return
		}
		child.weight = w
		n = child
	}
}

// Rank returns the mass strictly below key and the mass at or below key.
func (t *Trie) Rank(key uint64) (below, belowOrEqual int64) {
	n := &t.root
	for i := keyBits - 1; i >= 0; i-- {
		if key&(1<<uint(i)) == 0 {
			if n.left == nil {
				return below, below
			}
			n = n.left
			continue
		}
		if n.left != nil {
			below += n.left.weight
		}
		if n.right == nil {
			return below, below
		}
		n = n.right
	}
	return below, below + n.weight
}

// Count returns the multiplicity of key.
func (t *Trie) Count(key uint64) int64 {
	below, belowOrEqual := t.Rank(key)
	return belowOrEqual - below
}

// Min returns the smallest present key, or 0 when the trie is empty.
func (t *Trie) Min() uint64 {
	return t.extreme(true)
}

// Max returns the largest present key, or 0 when the trie is empty.
func (t *Trie) Max() uint64 {
	return t.extreme(false)
}

func (t *Trie) extreme(preferLeft bool) uint64 {
	var key uint64
	n := &t.root
	for i := keyBits - 1; i >= 0; i-- {
		first, second := n.left, n.right
		firstBit, secondBit := uint64(0), uint64(1)
		if !preferLeft {
			first, second = second, first
			firstBit, secondBit = secondBit, firstBit
		}

		switch {
		case first != nil:
			key |= firstBit << uint(i)
			n = first
		case second != nil:
			key |= secondBit << uint(i)
			n = second
		default:
			return key
		}
	}
	return key
}

// Select returns the key holding the k-th unit of mass, counting from zero in
// ascending key order. k is clamped into [0, Total()-1]; an empty trie
// returns 0.
func (t *Trie) Select(k int64) uint64 {
	if t.IsEmpty() {
		return 0
	}
	if k < 0 {
		k = 0
	}
	if k >= t.root.weight {
		k = t.root.weight - 1
	}

	var key uint64
	n := &t.root
	for i := keyBits - 1; i >= 0; i-- {
		if n.left != nil && k < n.left.weight {
			n = n.left
			continue
		}
		if n.left != nil {
			k -= n.left.weight
		}
		key |= 1 << uint(i)
		n = n.right
	}
	return key
}
