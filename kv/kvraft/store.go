package kvraft

import (
	"bytes"
	"encoding/gob"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/oopDaniel/raftcore/raft"
	"github.com/oopDaniel/raftcore/storage"
)

const snapshotFileName = "kv-snapshot.gob"

// kvState is what a snapshot holds.
type kvState struct {
	Data    map[string]string
	LastSeq map[string]uint64
}

type snapshotFile struct {
	Meta raft.SnapshotMeta
	Data []byte
}

// Store is the key/value state machine. Entries are applied in log order;
// a request already applied for a client is not applied twice.
type Store struct {
	mu  sync.Mutex
	dir string // where snapshots are kept, empty keeps them in memory

	data    map[string]string // Key/value pairs to store in the KV service
	lastSeq map[string]uint64 // (ClientID:Seq). Prevent applying duplicate state to service
	pending map[uint64]*Op    // appended locally but not applied yet

	snap *snapshotFile // newest durable snapshot
	recv *snapshotFile // snapshot being received from the leader
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		data:    make(map[string]string),
		lastSeq: make(map[string]uint64),
		pending: make(map[uint64]*Op),
	}
}

// OpenStore returns a store that keeps its snapshot in dir and restores
// the state from the snapshot found there.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	s := NewStore()
	s.dir = dir

	raw, err := ioutil.ReadFile(filepath.Join(dir, snapshotFileName))
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}
	var f snapshotFile
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decode snapshot file")
	}
	if err := s.restore(f.Data); err != nil {
		return nil, err
	}
	s.snap = &f
	log.Infow("restored from snapshot", "lastIndex", f.Meta.LastIndex, "lastTerm", f.Meta.LastTerm, "keys", len(s.data))
	return s, nil
}

// Get reads a key from the local state, without going through the log.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Pending returns the indexes appended locally and not yet applied.
func (s *Store) Pending() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.pending))
	for idx := range s.pending {
		out = append(out, idx)
	}
	return out
}

// Apply implements raft.StateMachine.
func (s *Store) Apply(index uint64, entry *raft.LogEntry) ([]byte, error) {
	op, err := decodeOp(entry.Payload)
	if err != nil {
		log.Errorw("skipping undecodable entry", "index", index, "error", err)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, index)

	if op.OpName == GET {
		v, ok := s.data[op.Key]
		if !ok {
			return nil, ErrKeyNotFound
		}
		return []byte(v), nil
	}

	// Apply the command if it's NOT a duplicate. Anonymous requests are
	// never deduplicated.
	if op.ClientID != "" {
		if seq, ok := s.lastSeq[op.ClientID]; ok && seq >= op.Seq {
			log.Debugw("duplicate request", "index", index, "client", op.ClientID, "seq", op.Seq)
			return nil, nil
		}
		s.lastSeq[op.ClientID] = op.Seq
	}

	switch op.OpName {
	case PUT:
		s.data[op.Key] = op.Value
	case APPEND:
		s.data[op.Key] += op.Value
	}
	return nil, nil
}

// PreCommit implements raft.StateMachine.
func (s *Store) PreCommit(index uint64, entry *raft.LogEntry) {
	op, err := decodeOp(entry.Payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.pending[index] = op
	s.mu.Unlock()
}

// Rollback implements raft.StateMachine.
func (s *Store) Rollback(index uint64, entry *raft.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.pending[index]; ok {
		log.Infow("discarding uncommitted request", "index", index, "op", op.OpName, "key", op.Key, "client", op.ClientID)
		delete(s.pending, index)
	}
}

// CreateSnapshot implements raft.StateMachine. The state is encoded before
// it returns; writing it to disk happens in the background.
func (s *Store) CreateSnapshot(meta *raft.SnapshotMeta, done func(error)) {
	s.mu.Lock()
	data, err := s.encode()
	s.mu.Unlock()
	if err != nil {
		done(err)
		return
	}

	f := &snapshotFile{Meta: *meta, Data: data}
	f.Meta.Size = uint64(len(data))
	if s.dir == "" {
		s.setSnapshot(f)
		done(nil)
		return
	}
	go func() {
		err := s.persist(f)
		if err == nil {
			s.setSnapshot(f)
		}
		done(err)
	}()
}

func (s *Store) setSnapshot(f *snapshotFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil || s.snap.Meta.LastIndex < f.Meta.LastIndex {
		s.snap = f
	}
}

func (s *Store) persist(f *snapshotFile) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return errors.Wrap(err, "encode snapshot file")
	}
	return storage.WriteFileAtomic(filepath.Join(s.dir, snapshotFileName), buf.Bytes())
}

// LastSnapshot implements raft.StateMachine.
func (s *Store) LastSnapshot() *raft.SnapshotMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil
	}
	meta := s.snap.Meta
	return &meta
}

// ReadSnapshotChunk implements raft.StateMachine.
func (s *Store) ReadSnapshotChunk(meta *raft.SnapshotMeta, offset uint64, maxSize int) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil || s.snap.Meta.LastIndex != meta.LastIndex {
		return nil, false, raft.ErrSnapshotUnavailable
	}
	data := s.snap.Data
	if offset > uint64(len(data)) {
		return nil, false, errors.Errorf("snapshot offset %d past size %d", offset, len(data))
	}
	end := offset + uint64(maxSize)
	if end >= uint64(len(data)) {
		return data[offset:], true, nil
	}
	return data[offset:end], false, nil
}

// SaveSnapshotChunk implements raft.StateMachine.
func (s *Store) SaveSnapshotChunk(meta *raft.SnapshotMeta, offset uint64, data []byte, done bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset == 0 || s.recv == nil || s.recv.Meta.LastIndex != meta.LastIndex {
		s.recv = &snapshotFile{Meta: *meta}
	}
	if offset != uint64(len(s.recv.Data)) {
		return errors.Errorf("snapshot chunk at %d, expected %d", offset, len(s.recv.Data))
	}
	s.recv.Data = append(s.recv.Data, data...)
	return nil
}

// ApplySnapshot implements raft.StateMachine.
func (s *Store) ApplySnapshot(meta *raft.SnapshotMeta) error {
	s.mu.Lock()
	f := s.recv
	if f == nil || f.Meta.LastIndex != meta.LastIndex {
		s.mu.Unlock()
		return raft.ErrSnapshotUnavailable
	}
	if err := s.restore(f.Data); err != nil {
		s.mu.Unlock()
		return err
	}
	for idx := range s.pending {
		if idx <= meta.LastIndex {
			delete(s.pending, idx)
		}
	}
	s.recv = nil
	f.Meta.Size = uint64(len(f.Data))
	s.snap = f
	s.mu.Unlock()

	log.Infow("installed snapshot", "lastIndex", meta.LastIndex, "lastTerm", meta.LastTerm)
	if s.dir == "" {
		return nil
	}
	return s.persist(f)
}

func (s *Store) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(kvState{Data: s.data, LastSeq: s.lastSeq}); err != nil {
		return nil, errors.Wrap(err, "encode kv state")
	}
	return buf.Bytes(), nil
}

func (s *Store) restore(data []byte) error {
	var st kvState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return errors.Wrap(err, "decode kv state")
	}
	s.data = st.Data
	s.lastSeq = st.LastSeq
	if s.data == nil {
		s.data = make(map[string]string)
	}
	if s.lastSeq == nil {
		s.lastSeq = make(map[string]uint64)
	}
	return nil
}
