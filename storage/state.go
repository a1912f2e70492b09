package storage

import (
	"bytes"
	"encoding/gob"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/oopDaniel/raftcore/raft"
)

const (
	stateFileName  = "state.gob"
	configFileName = "config.gob"
)

// FileStateStore is a raft.StateStore that keeps term, vote, commit index
// and the committed configuration in two small files, each replaced
// atomically.
type FileStateStore struct {
	mu  sync.Mutex
	dir string
}

// OpenStateStore opens or creates the state files in dir.
func OpenStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create state dir")
	}
	return &FileStateStore{dir: dir}, nil
}

func (s *FileStateStore) SaveState(state *raft.ServerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(stateFileName, state)
}

func (s *FileStateStore) LoadState() (*raft.ServerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &raft.ServerState{}
	ok, err := s.load(stateFileName, st)
	if !ok {
		return nil, err
	}
	return st, nil
}

func (s *FileStateStore) SaveConfig(config *raft.ClusterConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(configFileName, config)
}

func (s *FileStateStore) LoadConfig() (*raft.ClusterConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := &raft.ClusterConfig{}
	ok, err := s.load(configFileName, cfg)
	if !ok {
		return nil, err
	}
	return cfg, nil
}

func (s *FileStateStore) save(name string, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return errors.Wrapf(err, "encode %s", name)
	}
	return WriteFileAtomic(filepath.Join(s.dir, name), buf.Bytes())
}

// load decodes the named file into v. It reports false when the file does
// not exist or cannot be read.
func (s *FileStateStore) load(name string, v interface{}) (bool, error) {
	data, err := ioutil.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read %s", name)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return false, errors.Wrapf(err, "decode %s", name)
	}
	return true, nil
}

// WriteFileAtomic writes data to a temporary file, syncs it and renames it
// over path.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "rename %s", tmp)
}
