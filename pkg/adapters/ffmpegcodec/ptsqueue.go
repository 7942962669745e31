package ffmpegcodec

import "container/heap"

// ptsQueue holds the presentation times of queued samples. Decoded frames
// leave the decoder in presentation order, so each output takes the
// smallest outstanding timestamp.
type ptsQueue []int64

func (q ptsQueue) Len() int           { return len(q) }
func (q ptsQueue) Less(i, j int) bool { return q[i] < q[j] }
func (q ptsQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *ptsQueue) Push(x any) { *q = append(*q, x.(int64)) }

func (q *ptsQueue) Pop() any {
	old := *q
	n := len(old)
	v := old[n-1]
	*q = old[:n-1]
	return v
}

func (q *ptsQueue) push(pts int64) {
	heap.Push(q, pts)
}

// pop returns the smallest timestamp, or ok=false when empty.
func (q *ptsQueue) pop() (int64, bool) {
	if q.Len() == 0 {
		return 0, false
	}
	return heap.Pop(q).(int64), true
}
