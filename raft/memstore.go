package raft

import (
	"sync"

	"github.com/pkg/errors"
)

// MemoryLogStore is a LogStore kept entirely in memory.
type MemoryLogStore struct {
	mu           sync.RWMutex
	start        uint64 // index of entries[0]
	boundaryTerm uint64 // term at start-1
	entries      []*LogEntry
}

// NewMemoryLogStore returns an empty log starting at index 1.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{start: 1}
}

func (s *MemoryLogStore) StartIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.start
}

func (s *MemoryLogStore) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex()
}

func (s *MemoryLogStore) lastIndex() uint64 {
	return s.start + uint64(len(s.entries)) - 1
}

func (s *MemoryLogStore) Append(entry *LogEntry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	s.entries = append(s.entries, &e)
	return s.lastIndex(), nil
}

func (s *MemoryLogStore) EntryAt(index uint64) (*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < s.start {
		return nil, errors.Wrapf(ErrLogCompacted, "entry %d", index)
	}
	if index > s.lastIndex() {
		return nil, errors.Wrapf(ErrLogIndexOutOfRange, "entry %d", index)
	}
	return s.entries[index-s.start], nil
}

func (s *MemoryLogStore) TermAt(index uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.termAt(index)
}

func (s *MemoryLogStore) termAt(index uint64) (uint64, error) {
	switch {
	case index == 0:
		return 0, nil
	case index == s.start-1:
		return s.boundaryTerm, nil
	case index < s.start:
		return 0, errors.Wrapf(ErrLogCompacted, "term %d", index)
	case index > s.lastIndex():
		return 0, errors.Wrapf(ErrLogIndexOutOfRange, "term %d", index)
	}
	return s.entries[index-s.start].Term, nil
}

func (s *MemoryLogStore) Entries(from, to uint64) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < s.start {
		return nil, errors.Wrapf(ErrLogCompacted, "entries from %d", from)
	}
	if to > s.lastIndex()+1 {
		return nil, errors.Wrapf(ErrLogIndexOutOfRange, "entries to %d", to)
	}
	if from >= to {
		return nil, nil
	}
	out := make([]*LogEntry, to-from)
	copy(out, s.entries[from-s.start:to-s.start])
	return out, nil
}

func (s *MemoryLogStore) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < s.start {
		return errors.Wrapf(ErrLogCompacted, "truncate from %d", index)
	}
	if index > s.lastIndex() {
		return nil
	}
	s.entries = s.entries[:index-s.start]
	return nil
}

func (s *MemoryLogStore) Compact(upto uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upto < s.start {
		return nil
	}
	if upto > s.lastIndex() {
		return errors.Wrapf(ErrLogIndexOutOfRange, "compact up to %d", upto)
	}
	s.boundaryTerm = s.entries[upto-s.start].Term
	s.entries = append([]*LogEntry(nil), s.entries[upto-s.start+1:]...)
	s.start = upto + 1
	return nil
}

func (s *MemoryLogStore) InstallSnapshot(meta *SnapshotMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta.LastIndex < s.start {
		// Already compacted past this snapshot.
		return nil
	}
	if meta.LastIndex <= s.lastIndex() && s.entries[meta.LastIndex-s.start].Term == meta.LastTerm {
		s.entries = append([]*LogEntry(nil), s.entries[meta.LastIndex-s.start+1:]...)
	} else {
		s.entries = nil
	}
	s.start = meta.LastIndex + 1
	s.boundaryTerm = meta.LastTerm
	return nil
}

// MemoryStateStore is a StateStore kept in memory.
type MemoryStateStore struct {
	mu     sync.Mutex
	state  *ServerState
	config *ClusterConfig
}

// NewMemoryStateStore returns an empty state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

func (s *MemoryStateStore) SaveState(state *ServerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *state
	s.state = &st
	return nil
}

func (s *MemoryStateStore) LoadState() (*ServerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	st := *s.state
	return &st, nil
}

func (s *MemoryStateStore) SaveConfig(config *ClusterConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = config.Clone()
	return nil
}

func (s *MemoryStateStore) LoadConfig() (*ClusterConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Clone(), nil
}
