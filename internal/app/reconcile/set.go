// Package reconcile merges batches of entities arriving from independent
// transports into one deduplicated, ordered collection.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

// ReasonMalformed is reported for entities dropped before merging.
const ReasonMalformed = "malformed"

// Rules describe how entities of type T are identified, ordered and combined.
type Rules[T any] struct {
	ID   func(T) string
	Less func(a, b T) bool
	// Validate is optional. Entities failing it are dropped and reported.
	Validate func(T) error
	// Combine folds a duplicate into the entity already held. When nil the
	// held entity wins and the duplicate is dropped, which is right for
	// immutable entities. The bool reports whether anything changed.
	Combine func(existing, incoming T) (T, bool)

	Source      string
	Diagnostics policies.Diagnostics
}

// Set is an ordered collection with unique ids. It is not safe for
// concurrent use; owners serialize access.
type Set[T any] struct {
	rules Rules[T]
	items []T
	ids   map[string]struct{}
}

func NewSet[T any](rules Rules[T]) *Set[T] {
	if rules.Diagnostics == nil {
		rules.Diagnostics = policies.Discard
	}
	return &Set[T]{rules: rules, ids: make(map[string]struct{})}
}

// Merge folds incoming into the set and reports whether the set changed.
// A single new entity is placed by binary search; larger batches are sorted
// on their own and merged linearly.
func (s *Set[T]) Merge(incoming ...T) bool {
	if len(incoming) == 0 {
		return false
	}
	fresh := make([]T, 0, len(incoming))
	inBatch := make(map[string]int, len(incoming))
	var replaced map[string]struct{}

	for _, item := range incoming {
		id, ok := s.admit(item)
		if !ok {
			continue
		}
		if pos, dup := inBatch[id]; dup {
			if s.rules.Combine != nil {
				if merged, changed := s.rules.Combine(fresh[pos], item); changed {
					fresh[pos] = merged
				}
			}
			continue
		}
		if _, held := s.ids[id]; held {
			if s.rules.Combine == nil {
				continue
			}
			merged, changed := s.rules.Combine(s.items[s.indexOf(id)], item)
			if !changed {
				continue
			}
			if replaced == nil {
				replaced = make(map[string]struct{})
			}
			replaced[id] = struct{}{}
			item = merged
		}
		inBatch[id] = len(fresh)
		fresh = append(fresh, item)
	}
	if len(fresh) == 0 {
		return false
	}

	if len(replaced) > 0 {
		kept := s.items[:0]
		for _, it := range s.items {
			if _, gone := replaced[s.key(it)]; !gone {
				kept = append(kept, it)
			}
		}
		clear(s.items[len(kept):])
		s.items = kept
	}
	for _, it := range fresh {
		s.ids[s.key(it)] = struct{}{}
	}

	if len(fresh) == 1 {
		s.insert(fresh[0])
		return true
	}
	sort.SliceStable(fresh, func(i, j int) bool { return s.rules.Less(fresh[i], fresh[j]) })
	s.items = mergeSorted(s.items, fresh, s.rules.Less)
	return true
}

// Items returns a copy of the ordered entities.
func (s *Set[T]) Items() []T {
	return append([]T(nil), s.items...)
}

func (s *Set[T]) Len() int {
	return len(s.items)
}

// Has and Get ignore surrounding whitespace in id, as Merge does.
func (s *Set[T]) Has(id string) bool {
	_, ok := s.ids[strings.TrimSpace(id)]
	return ok
}

func (s *Set[T]) Get(id string) (T, bool) {
	if !s.Has(id) {
		var zero T
		return zero, false
	}
	return s.items[s.indexOf(strings.TrimSpace(id))], true
}

// key is the dedup key: the id without surrounding whitespace.
func (s *Set[T]) key(item T) string {
	return strings.TrimSpace(s.rules.ID(item))
}

func (s *Set[T]) admit(item T) (string, bool) {
	id := s.key(item)
	if s.rules.Validate != nil {
		if err := s.rules.Validate(item); err != nil {
			s.report(id, err)
			return "", false
		}
	}
	if id == "" {
		s.report(id, fmt.Errorf("%w: empty id", chat.ErrMalformed))
		return "", false
	}
	return id, true
}

func (s *Set[T]) report(id string, err error) {
	s.rules.Diagnostics.Report(policies.Diagnostic{
		Source:   s.rules.Source,
		Reason:   ReasonMalformed,
		EntityID: id,
		Err:      err,
	})
}

func (s *Set[T]) indexOf(id string) int {
	for i := range s.items {
		if s.key(s.items[i]) == id {
			return i
		}
	}
	return -1
}

func (s *Set[T]) insert(item T) {
	i := sort.Search(len(s.items), func(i int) bool { return s.rules.Less(item, s.items[i]) })
	var zero T
	s.items = append(s.items, zero)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = item
}

func mergeSorted[T any](a, b []T, less func(x, y T) bool) []T {
	out := make([]T, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if less(b[j], a[i]) {
			out = append(out, b[j])
			j++
			continue
		}
		out = append(out, a[i])
		i++
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Merge is the functional form: existing must be an ordered, deduplicated
// collection such as the result of an earlier Merge. Neither input is
// modified.
func Merge[T any](rules Rules[T], existing, incoming []T) []T {
	s := NewSet(rules)
	s.items = append(make([]T, 0, len(existing)+len(incoming)), existing...)
	for _, it := range existing {
		s.ids[s.key(it)] = struct{}{}
	}
	s.Merge(incoming...)
	return s.Items()
}
