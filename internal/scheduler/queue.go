package scheduler

import "container/heap"

// less orders boosted requests first, then nearer tiles, then lower tile
// ids, then earlier segments.
func less(a, b *Request) bool {
	if a.Boost != b.Boost {
		return a.Boost
	}
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	if a.TileID != b.TileID {
		return a.TileID < b.TileID
	}
	return a.Index < b.Index
}

type item struct {
	req   Request
	index int
}

type priorityQueue []*item

func (q priorityQueue) Len() int           { return len(q) }
func (q priorityQueue) Less(i, j int) bool { return less(&q[i].req, &q[j].req) }

func (q priorityQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *priorityQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

var _ heap.Interface = (*priorityQueue)(nil)
