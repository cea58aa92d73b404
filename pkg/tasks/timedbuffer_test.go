package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimedBufferFlushesOnCount(t *testing.T) {
	tb := NewTimedBuffer(3, time.Hour)

	assert.Nil(t, tb.Add(OutputLine{Sequence: 0}))
	assert.Nil(t, tb.Add(OutputLine{Sequence: 1}))

	batch := tb.Add(OutputLine{Sequence: 2})
	require.Len(t, batch, 3)
	assert.Equal(t, 0, tb.Len())
}

func TestTimedBufferFlushesOnAge(t *testing.T) {
	tb := NewTimedBuffer(100, 10*time.Millisecond)

	tb.Add(OutputLine{Sequence: 0})
	assert.Nil(t, tb.FlushIfStale())

	time.Sleep(15 * time.Millisecond)
	batch := tb.FlushIfStale()
	require.Len(t, batch, 1)
}

func TestTimedBufferFlushEmpty(t *testing.T) {
	tb := NewTimedBuffer(10, time.Second)
	assert.Nil(t, tb.Flush())
}
