package buffer

// link is one node of the index-based intrusive lists threading the buffer
// pool. Indices [0, nbuf) are buffers; index nbuf+i is the sentinel head of
// shard i. A sentinel whose prev and next point at itself is an empty list.
type link struct {
	prev int32
	next int32
}

// arena holds the links of every buffer and shard sentinel. A link is only
// touched under the lock of the shard whose list contains it, or by the single
// owner of a buffer that has been excised from every list.
type arena struct {
	links []link
}

func newArena(nbuf, nshards int) *arena {
	a := &arena{links: make([]link, nbuf+nshards)}
	for i := nbuf; i < nbuf+nshards; i++ {
		a.links[i] = link{prev: int32(i), next: int32(i)}
	}
	return a
}

// pushFront inserts node right after head, the most-recently-used end.
func (a *arena) pushFront(head, node int32) {
	first := a.links[head].next

	a.links[node] = link{prev: head, next: first}
	a.links[first].prev = node
	a.links[head].next = node
}

// pushBack inserts node right before head, the least-recently-used end.
func (a *arena) pushBack(head, node int32) {
	last := a.links[head].prev

	a.links[node] = link{prev: last, next: head}
	a.links[last].next = node
	a.links[head].prev = node
}

func (a *arena) remove(node int32) {
	back := a.links[node].prev
	front := a.links[node].next

	a.links[back].next = front
	a.links[front].prev = back
	a.links[node] = link{prev: -1, next: -1}
}

func (a *arena) next(node int32) int32 { return a.links[node].next }
func (a *arena) prev(node int32) int32 { return a.links[node].prev }

func (a *arena) empty(head int32) bool {
	return a.links[head].next == head
}

// toSlice lists the nodes after head in MRU to LRU order.
func (a *arena) toSlice(head int32) []int32 {
	res := []int32{}
	for n := a.next(head); n != head; n = a.next(n) {
		res = append(res, n)
	}
	return res
}
