// Package set provides a generic unordered set.
package set

type unit = struct{}

// Set is an unordered set of values of type T. Being a defined map type, it
// supports normal indexing and iteration syntax.
type Set[T comparable] map[T]unit

// New returns an empty set.
func New[T comparable]() Set[T] {
	return make(Set[T])
}

// FromSlice returns a set containing the values in the given slice.
func FromSlice[T comparable](vals []T) Set[T] {
	s := make(Set[T], len(vals))
	for _, v := range vals {
		s.Insert(v)
	}
	return s
}

// Contains checks whether the value is present in the set.
func (s Set[T]) Contains(val T) bool {
	_, ok := s[val]
	return ok
}

// Insert adds the value to the set.
func (s Set[T]) Insert(val T) {
	s[val] = unit{}
}

// Remove removes the value from the set.
func (s Set[T]) Remove(val T) {
	delete(s, val)
}

// ToSlice returns a new slice with the contents of the set.
func (s Set[T]) ToSlice() []T {
	res := make([]T, 0, len(s))
	for v := range s {
		res = append(res, v)
	}
	return res
}
