package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/oopDaniel/raftcore/raft"
)

var log = logging.Logger("storage")

const logFileName = "raft.log"

type recordKind uint8

const (
	recAppend recordKind = iota + 1
	recTruncate
	recBoundary
)

// record is one frame of the log file. Frames are a 4-byte big-endian
// length followed by the gob encoding of the record.
type record struct {
	Kind  recordKind
	Index uint64
	Term  uint64
	Entry *raft.LogEntry
}

// FileLogStore is a raft.LogStore that keeps the log in memory and every
// change in an append-only file. Compaction rewrites the file.
type FileLogStore struct {
	// cmu serializes rewrites. It is taken before mu.
	cmu  sync.Mutex
	mu   sync.RWMutex
	dir  string
	path string
	f    *os.File

	start        uint64
	boundaryTerm uint64
	entries      []*raft.LogEntry

	// While a compaction builds the new file off mu, records written to
	// the old file are kept in tail and copied over at the swap.
	compacting bool
	tail       [][]byte

	beforeSwap func() // test hook
}

// OpenLogStore opens or creates the log in dir and replays it.
func OpenLogStore(dir string) (*FileLogStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}
	s := &FileLogStore{
		dir:   dir,
		path:  filepath.Join(dir, logFileName),
		start: 1,
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}
	s.f = f
	log.Infow("log opened", "path", s.path, "start", s.start, "last", s.lastIndex())
	return s, nil
}

func (s *FileLogStore) replay() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "open log file")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var good int64
	for {
		rec, n, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn write at the tail; everything before it is intact.
			log.Warnw("discarding damaged log tail", "path", s.path, "offset", good, "error", err)
			if err := f.Truncate(good); err != nil {
				return errors.Wrap(err, "truncate damaged log tail")
			}
			break
		}
		if err := s.apply(rec); err != nil {
			return errors.Wrapf(err, "replay record at offset %d", good)
		}
		good += n
	}
	return nil
}

func (s *FileLogStore) apply(rec *record) error {
	switch rec.Kind {
	case recAppend:
		if rec.Index != s.lastIndex()+1 || rec.Entry == nil {
			return errors.Errorf("append of index %d after %d", rec.Index, s.lastIndex())
		}
		s.entries = append(s.entries, rec.Entry)
	case recTruncate:
		if rec.Index >= s.start && rec.Index <= s.lastIndex() {
			s.entries = s.entries[:rec.Index-s.start]
		}
	case recBoundary:
		if rec.Index+1 > s.start && rec.Index <= s.lastIndex() {
			s.entries = append([]*raft.LogEntry(nil), s.entries[rec.Index-s.start+1:]...)
		} else {
			s.entries = nil
		}
		s.start = rec.Index + 1
		s.boundaryTerm = rec.Term
	default:
		return errors.Errorf("unknown record kind %d", rec.Kind)
	}
	return nil
}

func readRecord(r *bufio.Reader) (*record, int64, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 0, errors.Wrap(err, "short record")
	}
	rec := &record{}
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(rec); err != nil {
		return nil, 0, errors.Wrap(err, "decode record")
	}
	return rec, int64(len(hdr)) + int64(size), nil
}

func encodeRecord(rec *record) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(rec); err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	out := make([]byte, 4, 4+body.Len())
	binary.BigEndian.PutUint32(out, uint32(body.Len()))
	return append(out, body.Bytes()...), nil
}

// write appends records to the file and syncs it.
func (s *FileLogStore) write(recs ...*record) error {
	var buf bytes.Buffer
	for _, rec := range recs {
		b, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	if _, err := s.f.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "write log")
	}
	if err := s.f.Sync(); err != nil {
		return errors.Wrap(err, "sync log")
	}
	if s.compacting {
		s.tail = append(s.tail, buf.Bytes())
	}
	return nil
}

// rewrite replaces the file with the current contents.
func (s *FileLogStore) rewrite() error {
	recs := make([]*record, 0, len(s.entries)+1)
	recs = append(recs, &record{Kind: recBoundary, Index: s.start - 1, Term: s.boundaryTerm})
	for i, e := range s.entries {
		recs = append(recs, &record{Kind: recAppend, Index: s.start + uint64(i), Entry: e})
	}
	var buf bytes.Buffer
	for _, rec := range recs {
		b, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	if err := WriteFileAtomic(s.path, buf.Bytes()); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		log.Warnw("closing replaced log file", "error", err)
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "reopen log file")
	}
	s.f = f
	return nil
}

func (s *FileLogStore) lastIndex() uint64 {
	return s.start + uint64(len(s.entries)) - 1
}

func (s *FileLogStore) StartIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.start
}

func (s *FileLogStore) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex()
}

func (s *FileLogStore) Append(entry *raft.LogEntry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	idx := s.lastIndex() + 1
	if err := s.write(&record{Kind: recAppend, Index: idx, Entry: &e}); err != nil {
		return 0, err
	}
	s.entries = append(s.entries, &e)
	return idx, nil
}

func (s *FileLogStore) EntryAt(index uint64) (*raft.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < s.start {
		return nil, errors.Wrapf(raft.ErrLogCompacted, "entry %d", index)
	}
	if index > s.lastIndex() {
		return nil, errors.Wrapf(raft.ErrLogIndexOutOfRange, "entry %d", index)
	}
	return s.entries[index-s.start], nil
}

func (s *FileLogStore) TermAt(index uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case index == 0:
		return 0, nil
	case index == s.start-1:
		return s.boundaryTerm, nil
	case index < s.start:
		return 0, errors.Wrapf(raft.ErrLogCompacted, "term %d", index)
	case index > s.lastIndex():
		return 0, errors.Wrapf(raft.ErrLogIndexOutOfRange, "term %d", index)
	}
	return s.entries[index-s.start].Term, nil
}

func (s *FileLogStore) Entries(from, to uint64) ([]*raft.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < s.start {
		return nil, errors.Wrapf(raft.ErrLogCompacted, "entries from %d", from)
	}
	if to > s.lastIndex()+1 {
		return nil, errors.Wrapf(raft.ErrLogIndexOutOfRange, "entries to %d", to)
	}
	if from >= to {
		return nil, nil
	}
	out := make([]*raft.LogEntry, to-from)
	copy(out, s.entries[from-s.start:to-s.start])
	return out, nil
}

func (s *FileLogStore) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < s.start {
		return errors.Wrapf(raft.ErrLogCompacted, "truncate from %d", index)
	}
	if index > s.lastIndex() {
		return nil
	}
	if err := s.write(&record{Kind: recTruncate, Index: index}); err != nil {
		return err
	}
	s.entries = s.entries[:index-s.start]
	return nil
}

// Compact drops the entries up to and including upto. The new file is
// written without holding mu, so readers and appenders are only blocked
// for the final swap.
func (s *FileLogStore) Compact(upto uint64) error {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	s.mu.Lock()
	if upto < s.start {
		s.mu.Unlock()
		return nil
	}
	if upto > s.lastIndex() {
		s.mu.Unlock()
		return errors.Wrapf(raft.ErrLogIndexOutOfRange, "compact up to %d", upto)
	}
	boundaryTerm := s.entries[upto-s.start].Term
	kept := append([]*raft.LogEntry(nil), s.entries[upto-s.start+1:]...)
	s.compacting = true
	s.tail = nil
	s.mu.Unlock()

	tmp := s.path + ".compact"
	f, err := s.buildFile(tmp, upto, boundaryTerm, kept)
	if s.beforeSwap != nil {
		s.beforeSwap()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tail := s.tail
	s.compacting = false
	s.tail = nil
	if err == nil && upto > s.lastIndex() {
		err = errors.Errorf("log truncated below %d during compaction", upto)
	}
	if err == nil {
		err = s.swap(f, tmp, tail)
	}
	if err != nil {
		if f != nil {
			f.Close()
		}
		os.Remove(tmp)
		return err
	}
	s.boundaryTerm = boundaryTerm
	s.entries = append([]*raft.LogEntry(nil), s.entries[upto-s.start+1:]...)
	s.start = upto + 1
	return nil
}

// buildFile writes a boundary record and the kept entries to path and
// syncs it. The file is left open for the tail.
func (s *FileLogStore) buildFile(path string, upto, boundaryTerm uint64, kept []*raft.LogEntry) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	w := bufio.NewWriter(f)
	recs := make([]*record, 0, len(kept)+1)
	recs = append(recs, &record{Kind: recBoundary, Index: upto, Term: boundaryTerm})
	for i, e := range kept {
		recs = append(recs, &record{Kind: recAppend, Index: upto + 1 + uint64(i), Entry: e})
	}
	for _, rec := range recs {
		b, err := encodeRecord(rec)
		if err != nil {
			return f, err
		}
		if _, err := w.Write(b); err != nil {
			return f, errors.Wrapf(err, "write %s", path)
		}
	}
	if err := w.Flush(); err != nil {
		return f, errors.Wrapf(err, "write %s", path)
	}
	return f, errors.Wrapf(f.Sync(), "sync %s", path)
}

// swap appends the records written since the build to f, then moves it
// over the log file. The caller holds mu.
func (s *FileLogStore) swap(f *os.File, tmp string, tail [][]byte) error {
	for _, b := range tail {
		if _, err := f.Write(b); err != nil {
			return errors.Wrapf(err, "write %s", tmp)
		}
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrapf(err, "rename %s", tmp)
	}
	if err := s.f.Close(); err != nil {
		log.Warnw("closing replaced log file", "error", err)
	}
	nf, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "reopen log file")
	}
	s.f = nf
	return nil
}

func (s *FileLogStore) InstallSnapshot(meta *raft.SnapshotMeta) error {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta.LastIndex < s.start {
		return nil
	}
	if meta.LastIndex <= s.lastIndex() && s.entries[meta.LastIndex-s.start].Term == meta.LastTerm {
		s.entries = append([]*raft.LogEntry(nil), s.entries[meta.LastIndex-s.start+1:]...)
	} else {
		s.entries = nil
	}
	s.start = meta.LastIndex + 1
	s.boundaryTerm = meta.LastTerm
	return s.rewrite()
}

// Close releases the file.
func (s *FileLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
