package connmgr

import (
	"sync"

	"github.com/musterhq/muster/pkg/config"
)

// sendQueue serializes outbound writes for one session and applies the
// congestion policy: past the high-water mark only critical messages
// queue, and the congested flag clears once the queue drains below the
// low-water mark.
type sendQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	messages  [][]byte
	bytes     int64
	congested bool
	closed    bool

	highMsgs  int
	highBytes int64
	lowMsgs   int
	lowBytes  int64
}

func newSendQueue(cfg config.SessionConfig) *sendQueue {
	q := &sendQueue{
		highMsgs:  cfg.QueueHighWaterMsgs,
		highBytes: cfg.QueueHighWaterBytes,
		lowMsgs:   cfg.QueueLowWaterMsgs,
		lowBytes:  cfg.QueueLowWaterBytes,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a message. It reports false when the message was shed:
// queue closed, or congested and the message is not critical.
func (q *sendQueue) push(data []byte, critical bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.congested && !critical {
		return false
	}

	q.messages = append(q.messages, data)
	q.bytes += int64(len(data))
	if len(q.messages) >= q.highMsgs || q.bytes >= q.highBytes {
		q.congested = true
	}
	q.cond.Signal()
	return true
}

// pop blocks for the next message. It reports false once the queue is
// closed and drained.
func (q *sendQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.messages) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.messages) == 0 {
		return nil, false
	}

	data := q.messages[0]
	q.messages = q.messages[1:]
	q.bytes -= int64(len(data))
	if q.congested && len(q.messages) <= q.lowMsgs && q.bytes <= q.lowBytes {
		q.congested = false
	}
	return data, true
}

func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.messages = nil
	q.bytes = 0
	q.cond.Broadcast()
}

func (q *sendQueue) isCongested() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.congested
}
