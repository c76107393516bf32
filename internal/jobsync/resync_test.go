package jobsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"iso-builder/internal/protocol"
)

func TestResyncCompletesAfterAllThreeResponses(t *testing.T) {
	r := NewResync(time.Second, 2)
	assert.Equal(t, []string{protocol.EventGetQueue, protocol.EventGetHistory, protocol.EventGetActiveJob}, r.Start())
	assert.True(t, r.Pending())

	assert.False(t, r.Ack(KindHistorySnapshot))
	assert.False(t, r.Ack(KindHistorySnapshot))
	assert.False(t, r.Ack(KindJobUpdate))
	assert.False(t, r.Ack(KindQueueSnapshot))
	assert.Equal(t, []string{protocol.EventGetActiveJob}, r.Outstanding())
	assert.True(t, r.Ack(KindActiveSnapshot))
	assert.False(t, r.Pending())
}

func TestResyncRetriesOutstandingThenGivesUp(t *testing.T) {
	r := NewResync(time.Second, 2)
	r.Start()
	r.Ack(KindQueueSnapshot)

	retry, gaveUp := r.Expired()
	assert.False(t, gaveUp)
	assert.Equal(t, []string{protocol.EventGetHistory, protocol.EventGetActiveJob}, retry)
	assert.Equal(t, 2, r.Attempts())

	_, gaveUp = r.Expired()
	assert.False(t, gaveUp)
	assert.Equal(t, 3, r.Attempts())

	_, gaveUp = r.Expired()
	assert.True(t, gaveUp)
	assert.False(t, r.Pending())

	retry, gaveUp = r.Expired()
	assert.Nil(t, retry)
	assert.False(t, gaveUp)
}

func TestResyncDefaults(t *testing.T) {
	r := NewResync(0, -1)
	assert.Equal(t, 5*time.Second, r.Timeout)
	assert.Zero(t, r.Retries)
}
