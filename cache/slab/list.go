/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package slab

// slabList is an intrusive doubly linked list of slabs. A slab is on at most
// one list; s.list tells which.
type slabList struct {
	head, tail *slab
	n          int
}

func (l *slabList) empty() bool { return l.n == 0 }

func (l *slabList) singular() bool { return l.n == 1 }

func (l *slabList) first() *slab { return l.head }

func (l *slabList) pushHead(s *slab) {
	s.prev, s.next, s.list = nil, l.head, l
	if l.head != nil {
		l.head.prev = s
	} else {
		l.tail = s
	}
	l.head = s
	l.n++
}

func (l *slabList) pushTail(s *slab) {
	s.prev, s.next, s.list = l.tail, nil, l
	if l.tail != nil {
		l.tail.next = s
	} else {
		l.head = s
	}
	l.tail = s
	l.n++
}

func (l *slabList) remove(s *slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next, s.list = nil, nil, nil
	l.n--
}

// insertBefore links s, which is on no list, before mark.
func (l *slabList) insertBefore(s, mark *slab) {
	s.list = l
	s.next, s.prev = mark, mark.prev
	if mark.prev != nil {
		mark.prev.next = s
	} else {
		l.head = s
	}
	mark.prev = s
	l.n++
}

// insertAfter links s, which is on no list, after mark.
func (l *slabList) insertAfter(s, mark *slab) {
	s.list = l
	s.prev, s.next = mark, mark.next
	if mark.next != nil {
		mark.next.prev = s
	} else {
		l.tail = s
	}
	mark.next = s
	l.n++
}

// detach empties the list and returns its slabs in order.
func (l *slabList) detach() []*slab {
	slabs := make([]*slab, 0, l.n)
	for s := l.head; s != nil; {
		next := s.next
		s.prev, s.next, s.list = nil, nil, nil
		slabs = append(slabs, s)
		s = next
	}
	l.head, l.tail, l.n = nil, nil, 0
	return slabs
}
