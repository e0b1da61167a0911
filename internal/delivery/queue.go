package delivery

import (
	"container/heap"
	"time"
)

type registration struct {
	id      int64
	at      time.Time
	payload Payload
	index   int
}

// timerQueue is a min-heap of registrations ordered by instant, then id.
type timerQueue []*registration

func (q timerQueue) Len() int { return len(q) }
func (q timerQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].id < q[j].id
	}
	return q[i].at.Before(q[j].at)
}
func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	r := x.(*registration)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}

func (q *timerQueue) remove(r *registration) {
	if r.index >= 0 && r.index < q.Len() {
		heap.Remove(q, r.index)
	}
}
