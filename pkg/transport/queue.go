package transport

import (
	"io"
	"sync"
	"time"
)

// receiveQueue buffers bytes pushed by an asynchronous reader until a
// consumer pulls them.
type receiveQueue struct {
	mutex sync.Mutex
	buf   []byte
	wait  chan struct{}
	err   error
}

func newReceiveQueue() *receiveQueue {
	return &receiveQueue{wait: make(chan struct{})}
}

// push appends received bytes and wakes waiting readers
func (q *receiveQueue) push(p []byte) {
	if len(p) == 0 {
		return
	}
	q.mutex.Lock()
	q.buf = append(q.buf, p...)
	q.wakeLocked()
	q.mutex.Unlock()
}

// fail ends the stream; readers get err once the buffer is empty
func (q *receiveQueue) fail(err error) {
	if err == nil {
		err = io.EOF
	}
	q.mutex.Lock()
	if q.err == nil {
		q.err = err
		q.wakeLocked()
	}
	q.mutex.Unlock()
}

func (q *receiveQueue) wakeLocked() {
	close(q.wait)
	q.wait = make(chan struct{})
}

// reset discards everything buffered
func (q *receiveQueue) reset() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	n := len(q.buf)
	q.buf = q.buf[:0]
	return n
}

// readByte pops one byte, waiting until deadline
func (q *receiveQueue) readByte(deadline time.Time) (byte, error) {
	for {
		q.mutex.Lock()
		if len(q.buf) > 0 {
			b := q.buf[0]
			q.buf = q.buf[1:]
			q.mutex.Unlock()
			return b, nil
		}
		if q.err != nil {
			err := q.err
			q.mutex.Unlock()
			return 0, err
		}
		wait := q.wait
		q.mutex.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrReadTimeout
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return 0, ErrReadTimeout
		}
	}
}
