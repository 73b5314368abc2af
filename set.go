package meridian

import (
	"golang.org/x/exp/constraints"
)

// Set is a set of orderable items.
type Set[K constraints.Ordered] map[K]struct{}

func NewSet[K constraints.Ordered](stuff ...K) Set[K] {
	s := make(map[K]struct{})
	for _, thing := range stuff {
		s[thing] = struct{}{}
	}
	return Set[K](s)
}

// Count returns the number of items in the set.
func (s Set[K]) Count() int {
	return len(s)
}

// Contains returns true if k is in the set.
func (s Set[K]) Contains(k K) bool {
	_, ok := s[k]
	return ok
}

// Add adds k to the set.
func (s Set[K]) Add(k K) {
	s[k] = struct{}{}
}

// Remove removes k from the set.
func (s Set[K]) Remove(k K) {
	delete(s, k)
}

// Slice returns a slice containing each member of the set in an undefined order.
func (s Set[K]) Slice() []K {
	ret := make([]K, 0, len(s))
	for k := range s {
		ret = append(ret, k)
	}
	return ret
}

// Copy returns a new Set with the same members as s.
func (s Set[K]) Copy() Set[K] {
	ret := make(map[K]struct{}, len(s))
	for k := range s {
		ret[k] = struct{}{}
	}
	return Set[K](ret)
}

// Minus returns the members of s which are not in other.
func (s Set[K]) Minus(other Set[K]) Set[K] {
	ret := NewSet[K]()
	for k := range s {
		if !other.Contains(k) {
			ret.Add(k)
		}
	}
	return ret
}

// Plus returns the union of s and other.
func (s Set[K]) Plus(other Set[K]) Set[K] {
	ret := NewSet[K]()
	for k := range s {
		ret.Add(k)
	}
	for k := range other {
		ret.Add(k)
	}
	return ret
}
