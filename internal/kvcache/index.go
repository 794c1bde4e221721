package kvcache

import "time"

const nilSlot int32 = -1

// entry is one cached snapshot. Slots live in index.slots and link into the
// recency list by slot number.
type entry struct {
	id             int64
	payload        []byte // nil when the payload lives on disk
	codec          Codec
	originalSize   int64
	compressedSize int64
	checksum       uint64
	createdAt      time.Time
	lastAccess     time.Time
	accessCount    int64

	prev, next int32
	live       bool
}

// index is an entry arena plus an intrusive doubly linked recency list
// (head is most recent). Not safe for concurrent use.
type index struct {
	slots []entry
	free  []int32
	byID  map[int64]int32
	head  int32
	tail  int32
	bytes int64
}

func newIndex() *index {
	return &index{byID: make(map[int64]int32), head: nilSlot, tail: nilSlot}
}

func (x *index) len() int { return len(x.byID) }

func (x *index) lookup(id int64) (int32, bool) {
	i, ok := x.byID[id]
	return i, ok
}

func (x *index) at(i int32) *entry { return &x.slots[i] }

// insert stores e as the most recent entry. The id must not be present.
func (x *index) insert(e entry) int32 {
	var i int32
	if n := len(x.free); n > 0 {
		i = x.free[n-1]
		x.free = x.free[:n-1]
	} else {
		x.slots = append(x.slots, entry{})
		i = int32(len(x.slots) - 1)
	}
	e.live = true
	e.prev, e.next = nilSlot, nilSlot
	x.slots[i] = e
	x.byID[e.id] = i
	x.bytes += e.compressedSize
	x.pushFront(i)
	return i
}

// remove frees slot i and returns the removed entry.
func (x *index) remove(i int32) entry {
	e := x.slots[i]
	x.unlink(i)
	delete(x.byID, e.id)
	x.bytes -= e.compressedSize
	x.slots[i] = entry{prev: nilSlot, next: nilSlot}
	x.free = append(x.free, i)
	return e
}

// touch marks slot i as most recently used.
func (x *index) touch(i int32) {
	if x.head == i {
		return
	}
	x.unlink(i)
	x.pushFront(i)
}

func (x *index) pushFront(i int32) {
	e := &x.slots[i]
	e.prev = nilSlot
	e.next = x.head
	if x.head != nilSlot {
		x.slots[x.head].prev = i
	}
	x.head = i
	if x.tail == nilSlot {
		x.tail = i
	}
}

func (x *index) unlink(i int32) {
	e := &x.slots[i]
	if e.prev != nilSlot {
		x.slots[e.prev].next = e.next
	} else {
		x.head = e.next
	}
	if e.next != nilSlot {
		x.slots[e.next].prev = e.prev
	} else {
		x.tail = e.prev
	}
	e.prev, e.next = nilSlot, nilSlot
}

// oldestFirst walks the recency list from least to most recent. fn may not
// mutate the index.
func (x *index) oldestFirst(fn func(i int32, e *entry) bool) {
	for i := x.tail; i != nilSlot; i = x.slots[i].prev {
		if !fn(i, &x.slots[i]) {
			return
		}
	}
}

// reset drops everything.
func (x *index) reset() {
	x.slots = nil
	x.free = nil
	x.byID = make(map[int64]int32)
	x.head, x.tail = nilSlot, nilSlot
	x.bytes = 0
}
