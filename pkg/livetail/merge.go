package livetail

import (
	"container/heap"

	"github.com/davidthor/cwaxe/pkg/cwlogs"
)

// merger multiplexes events from concurrently tailed streams into one
// sequence ordered by (timestamp, stream name). Each stream gets a FIFO
// queue (the service delivers per-stream events in order); a heap over
// the queue heads drives the k-way merge.
type merger struct {
	queues map[string][]cwlogs.LogEvent
	heads  headHeap
}

func newMerger() *merger {
	return &merger{queues: map[string][]cwlogs.LogEvent{}}
}

// push enqueues an event on its stream's queue.
func (m *merger) push(ev cwlogs.LogEvent) {
	q := m.queues[ev.StreamName]
	m.queues[ev.StreamName] = append(q, ev)
	if len(q) == 0 {
		heap.Push(&m.heads, head{key: ev.Key(), stream: ev.StreamName})
	}
}

// pop removes and returns the event with the smallest key.
func (m *merger) pop() (cwlogs.LogEvent, bool) {
	if m.heads.Len() == 0 {
		return cwlogs.LogEvent{}, false
	}
	h := heap.Pop(&m.heads).(head)
	q := m.queues[h.stream]
	ev := q[0]
	q = q[1:]
	if len(q) == 0 {
		delete(m.queues, h.stream)
	} else {
		m.queues[h.stream] = q
		heap.Push(&m.heads, head{key: q[0].Key(), stream: h.stream})
	}
	return ev, true
}

func (m *merger) pending() int {
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

type head struct {
	key    cwlogs.EventKey
	stream string
}

type headHeap []head

func (h headHeap) Len() int            { return len(h) }
func (h headHeap) Less(i, j int) bool  { return h[i].key.Less(h[j].key) }
func (h headHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *headHeap) Push(x interface{}) { *h = append(*h, x.(head)) }
func (h *headHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
