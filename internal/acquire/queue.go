package acquire

import (
	"sync"

	"tracescope/internal/region"
)

// Queue is an unbounded, insertion ordered delivery channel of decoded
// packets for one region. The worker appends, the consumer drains; it is
// the only state the two sides share.
type Queue struct {
	mu    sync.Mutex
	items []*region.Packet
}

// Push appends a packet to the queue.
func (q *Queue) Push(p *region.Packet) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
}

// Pop removes and returns the oldest packet. It never blocks; ok is false
// when the queue is empty.
func (q *Queue) Pop() (p *region.Packet, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	p = q.items[0]
	q.items = q.items[1:]
	return p, true
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
