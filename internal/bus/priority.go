package bus

import "sync"

// priorityQueue is the pull-style consumption path: per-agent queues ordered
// priority-then-FIFO. It exists alongside push subscriptions as an
// alternative consumption model for agents that batch their inbox between
// cognitive cycles instead of reacting to every message.
type priorityQueue struct {
	mu     sync.Mutex
	queues map[string]*[numPriorities][]Message
	total  int
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{queues: make(map[string]*[numPriorities][]Message)}
}

func (q *priorityQueue) enqueue(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	lanes, ok := q.queues[msg.To]
	if !ok {
		lanes = &[numPriorities][]Message{}
		q.queues[msg.To] = lanes
	}
	lanes[msg.Priority] = append(lanes[msg.Priority], msg)
	q.total++
}

// drain pops up to n messages for the agent, highest priority first.
func (q *priorityQueue) drain(agentID string, n int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	lanes, ok := q.queues[agentID]
	if !ok || n <= 0 {
		return nil
	}
	var out []Message
	for p := 0; p < numPriorities && len(out) < n; p++ {
		for len(lanes[p]) > 0 && len(out) < n {
			out = append(out, lanes[p][0])
			lanes[p] = lanes[p][1:]
			q.total--
		}
	}
	return out
}

func (q *priorityQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}
