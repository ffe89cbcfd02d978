package connmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/pkg/config"
)

func queueConfig() config.SessionConfig {
	return config.SessionConfig{
		QueueHighWaterMsgs:  4,
		QueueHighWaterBytes: 1 << 20,
		QueueLowWaterMsgs:   1,
		QueueLowWaterBytes:  1 << 10,
	}
}

func TestQueueShedsNonCriticalWhenCongested(t *testing.T) {
	q := newSendQueue(queueConfig())

	for i := 0; i < 4; i++ {
		require.True(t, q.push([]byte("msg"), false))
	}
	assert.True(t, q.isCongested())

	// Non-critical messages shed, critical ones still queue.
	assert.False(t, q.push([]byte("shed"), false))
	assert.True(t, q.push([]byte("ping"), true))
}

func TestQueueCongestionClearsAtLowWater(t *testing.T) {
	q := newSendQueue(queueConfig())

	for i := 0; i < 4; i++ {
		require.True(t, q.push([]byte("msg"), false))
	}
	require.True(t, q.isCongested())

	// Draining to one message clears the flag.
	for i := 0; i < 3; i++ {
		_, ok := q.pop()
		require.True(t, ok)
	}
	assert.False(t, q.isCongested())
	assert.True(t, q.push([]byte("again"), false))
}

func TestQueueByteWatermark(t *testing.T) {
	cfg := queueConfig()
	cfg.QueueHighWaterBytes = 10
	q := newSendQueue(cfg)

	require.True(t, q.push([]byte("0123456789"), false))
	assert.True(t, q.isCongested())
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	q := newSendQueue(queueConfig())

	done := make(chan bool)
	go func() {
		_, ok := q.pop()
		done <- ok
	}()

	q.close()
	assert.False(t, <-done)
	assert.False(t, q.push([]byte("late"), true))
}
