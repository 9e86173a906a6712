package call

import (
	"zvonilka/pkg/signal"
)

// candidateQueue holds remote path candidates that arrived before the remote
// description. It is append-only until drained.
type candidateQueue struct {
	items []signal.Candidate
}

func (q *candidateQueue) push(c signal.Candidate) {
	q.items = append(q.items, c)
}

// drain hands out the queued candidates in arrival order and empties the queue.
func (q *candidateQueue) drain() []signal.Candidate {
	items := q.items
	q.items = nil

	return items
}

func (q *candidateQueue) len() int {
	return len(q.items)
}
