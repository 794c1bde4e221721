package preload

import "container/heap"

type item struct {
	path     string
	priority int
	seq      uint64
	index    int
}

// queue is a min-heap on (priority, seq): lower priority first, FIFO among
// equals.
type queue []*item

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *queue) push(it *item) { heap.Push(q, it) }

func (q *queue) pop() (*item, bool) {
	if q.Len() == 0 {
		return nil, false
	}
	return heap.Pop(q).(*item), true
}

func (q *queue) reprioritize(path string, priority int) {
	for _, it := range *q {
		if it.path == path {
			it.priority = priority
			heap.Fix(q, it.index)
			return
		}
	}
}
