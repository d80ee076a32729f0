package kcluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahulst/kafkajs-go/pkg/kcerr"
)

func TestSubscriptionState_PauseAllThenIsPaused(t *testing.T) {
	s := NewSubscriptionState()
	s.PauseAll("orders")

	assert.True(t, s.IsPaused("orders", 0))
	assert.True(t, s.IsPaused("orders", 7))
	assert.False(t, s.IsPaused("payments", 0))
}

func TestSubscriptionState_PausePartitionsIsPartitionScoped(t *testing.T) {
	s := NewSubscriptionState()
	s.PausePartitions("orders", []int32{0, 1})

	assert.True(t, s.IsPaused("orders", 0))
	assert.True(t, s.IsPaused("orders", 1))
	assert.False(t, s.IsPaused("orders", 2))
}

func TestSubscriptionState_ResumeClearsWholeTopic(t *testing.T) {
	s := NewSubscriptionState()
	s.PauseAll("orders")
	s.Resume("orders")

	assert.False(t, s.IsPaused("orders", 0))
}

func TestSubscriptionState_SelectiveResumeAfterPauseAllIsRejected(t *testing.T) {
	s := NewSubscriptionState()
	s.PauseAll("orders")

	err := s.ResumePartitions("orders", []int32{0})
	require.Error(t, err)
	assert.True(t, kcerr.Is(err, kcerr.KindNonRetriable))
	assert.True(t, s.IsPaused("orders", 0), "partition must remain paused after a rejected selective resume")
}

func TestSubscriptionState_SelectiveResumeAfterPartialPauseSucceeds(t *testing.T) {
	s := NewSubscriptionState()
	s.PausePartitions("orders", []int32{0, 1})

	err := s.ResumePartitions("orders", []int32{0})
	require.NoError(t, err)

	assert.False(t, s.IsPaused("orders", 0))
	assert.True(t, s.IsPaused("orders", 1))
}

func TestSubscriptionState_PausePartitionsNoOpWhenTopicAlreadyPausedAll(t *testing.T) {
	s := NewSubscriptionState()
	s.PauseAll("orders")
	s.PausePartitions("orders", []int32{5})

	paused := s.Paused()
	require.Len(t, paused, 1)
	assert.Equal(t, "orders", paused[0].Topic)
	assert.Nil(t, paused[0].Partitions)
}
