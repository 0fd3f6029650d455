// Package subscriptions tracks which stream partitions this consumer is
// responsible for: the assigned set, which of them are paused, and the next
// sequence number to read from each. The membership layer replaces the
// assigned set on rebalance; the fetcher reads the fetchable set and advances
// positions as records are harvested.
package subscriptions

import (
	"sync"

	"github.com/streamkit/streamclient"
)

type partitionState struct {
	paused      bool
	position    int64
	hasPosition bool
}

// State is safe for concurrent use. The zero value is not usable, call New.
type State struct {
	sync.Mutex
	assigned map[streamclient.StreamPartition]*partitionState
}

func New() *State {
	return &State{assigned: make(map[streamclient.StreamPartition]*partitionState)}
}

// Assign replaces the assigned set. Partitions retained across the call keep
// their pause flag and position; new partitions start unpaused with no known
// position.
func (s *State) Assign(partitions ...streamclient.StreamPartition) {
	s.Lock()
	defer s.Unlock()
	next := make(map[streamclient.StreamPartition]*partitionState, len(partitions))
	for _, p := range partitions {
		if state, ok := s.assigned[p]; ok {
			next[p] = state
			continue
		}
		next[p] = &partitionState{position: -1}
	}
	s.assigned = next
}

func (s *State) AssignedPartitions() []streamclient.StreamPartition {
	s.Lock()
	defer s.Unlock()
	partitions := make([]streamclient.StreamPartition, 0, len(s.assigned))
	for p := range s.assigned {
		partitions = append(partitions, p)
	}
	return partitions
}

// FetchablePartitions returns the partitions that are assigned, not paused,
// and have a known read position.
func (s *State) FetchablePartitions() []streamclient.StreamPartition {
	s.Lock()
	defer s.Unlock()
	var partitions []streamclient.StreamPartition
	for p, state := range s.assigned {
		if !state.paused && state.hasPosition {
			partitions = append(partitions, p)
		}
	}
	return partitions
}

func (s *State) IsPaused(p streamclient.StreamPartition) bool {
	s.Lock()
	defer s.Unlock()
	state, ok := s.assigned[p]
	return ok && state.paused
}

func (s *State) Pause(p streamclient.StreamPartition) {
	s.Lock()
	defer s.Unlock()
	if state, ok := s.assigned[p]; ok {
		state.paused = true
	}
}

func (s *State) Resume(p streamclient.StreamPartition) {
	s.Lock()
	defer s.Unlock()
	if state, ok := s.assigned[p]; ok {
		state.paused = false
	}
}

// Seek records the next sequence number to read for p. Seeking also marks the
// position as known, making the partition fetchable (unless paused).
func (s *State) Seek(p streamclient.StreamPartition, position int64) {
	s.Lock()
	defer s.Unlock()
	state, ok := s.assigned[p]
	if !ok {
		return
	}
	state.position = position
	state.hasPosition = true
}

// Position returns the next sequence number to read for p, or -1 when the
// position is unknown.
func (s *State) Position(p streamclient.StreamPartition) int64 {
	s.Lock()
	defer s.Unlock()
	state, ok := s.assigned[p]
	if !ok || !state.hasPosition {
		return -1
	}
	return state.position
}

func (s *State) HasAllFetchPositions() bool {
	s.Lock()
	defer s.Unlock()
	for _, state := range s.assigned {
		if !state.hasPosition {
			return false
		}
	}
	return true
}

func (s *State) MissingFetchPositions() []streamclient.StreamPartition {
	s.Lock()
	defer s.Unlock()
	var partitions []streamclient.StreamPartition
	for p, state := range s.assigned {
		if !state.hasPosition {
			partitions = append(partitions, p)
		}
	}
	return partitions
}
