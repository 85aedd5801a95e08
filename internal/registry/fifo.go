package registry

// fifo holds the ids of queued jobs in enqueue order.
type fifo struct {
	ids []string
}

func (q *fifo) push(id string) {
	q.ids = append(q.ids, id)
}

// pop removes and returns the head of the queue.
func (q *fifo) pop() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids[0] = ""
	q.ids = q.ids[1:]
	return id, true
}

// remove deletes id wherever it sits in the queue.
func (q *fifo) remove(id string) bool {
	for i, queued := range q.ids {
		if queued == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

func (q *fifo) len() int {
	return len(q.ids)
}

// position returns the zero-based place of id in the queue, or -1.
func (q *fifo) position(id string) int {
	for i, queued := range q.ids {
		if queued == id {
			return i
		}
	}
	return -1
}
