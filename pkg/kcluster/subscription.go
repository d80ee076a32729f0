package kcluster

import (
	"sync"

	"github.com/mahulst/kafkajs-go/pkg/kcerr"
)

// PausedTopic is one paused entry: either a whole topic (Partitions nil)
// or a specific set of partitions within it.
type PausedTopic struct {
	Topic      string
	Partitions map[int32]struct{}
}

// SubscriptionState tracks which topics/partitions are paused. All-topic
// pauses and per-partition pauses are tracked separately so that a
// selective resume can be rejected when the topic was paused wholesale:
// resuming "partition 3" out of a topic paused entirely would leave the
// caller with a half-paused topic it never asked to create.
type SubscriptionState struct {
	mu          sync.RWMutex
	pausedAll   map[string]struct{}
	pausedParts map[string]map[int32]struct{}
}

// NewSubscriptionState returns an empty SubscriptionState.
func NewSubscriptionState() *SubscriptionState {
	return &SubscriptionState{
		pausedAll:   make(map[string]struct{}),
		pausedParts: make(map[string]map[int32]struct{}),
	}
}

// PauseAll pauses every partition of topic.
func (s *SubscriptionState) PauseAll(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedAll[topic] = struct{}{}
	delete(s.pausedParts, topic)
}

// PausePartitions pauses specific partitions of topic.
func (s *SubscriptionState) PausePartitions(topic string, partitions []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, all := s.pausedAll[topic]; all {
		return
	}
	set, ok := s.pausedParts[topic]
	if !ok {
		set = make(map[int32]struct{})
		s.pausedParts[topic] = set
	}
	for _, p := range partitions {
		set[p] = struct{}{}
	}
}

// Resume resumes topic entirely, clearing both whole-topic and
// per-partition pause state.
func (s *SubscriptionState) Resume(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedAll, topic)
	delete(s.pausedParts, topic)
}

// ResumePartitions resumes specific partitions of topic. It returns a
// NonRetriable error if topic is currently paused in its entirety: a
// caller asking to selectively resume a wholly-paused topic has an
// inconsistent view of state, and silently only partially honoring the
// request would compound the confusion.
func (s *SubscriptionState) ResumePartitions(topic string, partitions []int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, all := s.pausedAll[topic]; all {
		return kcerr.Newf(kcerr.KindNonRetriable, "cannot selectively resume partitions of topic %q paused in its entirety", topic)
	}
	set, ok := s.pausedParts[topic]
	if !ok {
		return nil
	}
	for _, p := range partitions {
		delete(set, p)
	}
	if len(set) == 0 {
		delete(s.pausedParts, topic)
	}
	return nil
}

// IsPaused reports whether topic/partition is currently paused.
func (s *SubscriptionState) IsPaused(topic string, partition int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, all := s.pausedAll[topic]; all {
		return true
	}
	if set, ok := s.pausedParts[topic]; ok {
		_, paused := set[partition]
		return paused
	}
	return false
}

// Paused returns a snapshot of all currently paused entries.
func (s *SubscriptionState) Paused() []PausedTopic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PausedTopic, 0, len(s.pausedAll)+len(s.pausedParts))
	for topic := range s.pausedAll {
		out = append(out, PausedTopic{Topic: topic})
	}
	for topic, set := range s.pausedParts {
		cp := make(map[int32]struct{}, len(set))
		for p := range set {
			cp[p] = struct{}{}
		}
		out = append(out, PausedTopic{Topic: topic, Partitions: cp})
	}
	return out
}
