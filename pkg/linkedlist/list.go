// Package linkedlist provides the singly linked list used for every registry in
// the stack: run loop timers and data sources, L2CAP channels, RFCOMM
// multiplexers, channels and services, AVRCP connections.
//
// Items are compared by identity, so T is normally a pointer type. The
// iterator tolerates removal of the current element as well as removal of
// other elements by code running while the iteration is in progress.
package linkedlist

type node[T comparable] struct {
	next *node[T]
	item T
}

// List is a singly linked list with a sentinel head.
// The zero value is an empty list ready to use.
type List[T comparable] struct {
	head node[T]
}

// Empty reports whether the list has no items.
func (l *List[T]) Empty() bool {
	return l.head.next == nil
}

// Add pushes item to the front of the list.
// Returns false without modifying the list if item is already present.
func (l *List[T]) Add(item T) bool {
	if l.Contains(item) {
		return false
	}
	l.head.next = &node[T]{next: l.head.next, item: item}
	return true
}

// AddTail appends item to the end of the list.
// Returns false without modifying the list if item is already present.
func (l *List[T]) AddTail(item T) bool {
	last := &l.head
	for n := l.head.next; n != nil; n = n.next {
		if n.item == item {
			return false
		}
		last = n
	}
	last.next = &node[T]{item: item}
	return true
}

// Remove unlinks item. Returns false if it was not in the list.
func (l *List[T]) Remove(item T) bool {
	for prev := &l.head; prev.next != nil; prev = prev.next {
		if prev.next.item == item {
			// The removed node keeps its next pointer so an iterator parked
			// on it can still reach the remainder of the list.
			prev.next = prev.next.next
			return true
		}
	}
	return false
}

// Pop removes and returns the first item.
func (l *List[T]) Pop() (T, bool) {
	n := l.head.next
	if n == nil {
		var zero T
		return zero, false
	}
	l.head.next = n.next
	return n.item, true
}

// First returns the first item without removing it.
func (l *List[T]) First() (T, bool) {
	if l.head.next == nil {
		var zero T
		return zero, false
	}
	return l.head.next.item, true
}

// Last returns the last item without removing it.
func (l *List[T]) Last() (T, bool) {
	n := l.head.next
	if n == nil {
		var zero T
		return zero, false
	}
	for n.next != nil {
		n = n.next
	}
	return n.item, true
}

// Count returns the number of items.
func (l *List[T]) Count() int {
	count := 0
	for n := l.head.next; n != nil; n = n.next {
		count++
	}
	return count
}

// Contains reports whether item is in the list.
func (l *List[T]) Contains(item T) bool {
	for n := l.head.next; n != nil; n = n.next {
		if n.item == item {
			return true
		}
	}
	return false
}

// Find returns the first item for which match returns true.
func (l *List[T]) Find(match func(T) bool) (T, bool) {
	for n := l.head.next; n != nil; n = n.next {
		if match(n.item) {
			return n.item, true
		}
	}
	var zero T
	return zero, false
}

// Items returns a snapshot of the list contents in order.
func (l *List[T]) Items() []T {
	var items []T
	for n := l.head.next; n != nil; n = n.next {
		items = append(items, n.item)
	}
	return items
}

// InsertSorted inserts item before the first element for which less(item, element)
// holds. Equal elements keep insertion order. Returns false if item is already present.
func (l *List[T]) InsertSorted(item T, less func(a, b T) bool) bool {
	if l.Contains(item) {
		return false
	}
	prev := &l.head
	for prev.next != nil && !less(item, prev.next.item) {
		prev = prev.next
	}
	prev.next = &node[T]{next: prev.next, item: item}
	return true
}

// Iterator walks a List. See Next and RemoveCurrent for the mutation rules.
type Iterator[T comparable] struct {
	prev *node[T]
	curr *node[T]
}

// Iterator returns an iterator positioned before the first item.
func (l *List[T]) Iterator() *Iterator[T] {
	return &Iterator[T]{prev: &l.head}
}

// advance moves prev past curr if curr is still linked behind prev.
// An unlinked curr (removed from elsewhere) leaves prev in place.
func (it *Iterator[T]) advance() {
	if it.curr != nil && it.prev.next == it.curr {
		it.prev = it.curr
	}
	it.curr = nil
}

// HasNext reports whether a call to Next will return an item.
func (it *Iterator[T]) HasNext() bool {
	if it.curr != nil && it.prev.next == it.curr {
		return it.curr.next != nil
	}
	return it.prev.next != nil
}

// Next returns the next item. It must only be called after HasNext returned true.
func (it *Iterator[T]) Next() T {
	it.advance()
	it.curr = it.prev.next
	return it.curr.item
}

// RemoveCurrent unlinks the item most recently returned by Next.
// The following Next returns the item that came after it.
func (it *Iterator[T]) RemoveCurrent() {
	if it.curr == nil || it.prev.next != it.curr {
		return
	}
	it.prev.next = it.curr.next
	it.curr = nil
}
