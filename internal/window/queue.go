package window

// point is the part of a trade the window needs to evict it later.
type point struct {
	timestamp int64
	price     int64
	volume    int64
}

// queue is a growable ring buffer of points in arrival order.
type queue struct {
	buf  []point
	head int
	size int
}

func (q *queue) len() int { return q.size }

func (q *queue) front() point { return q.buf[q.head] }

func (q *queue) pushBack(p point) {
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.size)%len(q.buf)] = p
	q.size++
}

func (q *queue) popFront() point {
	p := q.buf[q.head]
	q.buf[q.head] = point{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return p
}

func (q *queue) grow() {
	n := len(q.buf) * 2
	if n == 0 {
		n = 64
	}
	buf := make([]point, n)
	for i := 0; i < q.size; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
