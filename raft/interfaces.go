package raft

import "time"

// LogStore is the durable, ordered sequence of log entries. Indexes are
// contiguous from StartIndex to LastIndex. After compaction or snapshot
// install the store still knows the term of StartIndex()-1.
type LogStore interface {
	// StartIndex returns the first index still held by the store.
	StartIndex() uint64
	// LastIndex returns the last index, or StartIndex()-1 when empty.
	LastIndex() uint64
	// Append adds entry at LastIndex()+1 and returns that index.
	Append(entry *LogEntry) (uint64, error)
	// EntryAt returns the entry at index.
	EntryAt(index uint64) (*LogEntry, error)
	// TermAt returns the term at index. Index StartIndex()-1 answers the
	// boundary term, index 0 answers 0.
	TermAt(index uint64) (uint64, error)
	// Entries returns entries in [from, to).
	Entries(from, to uint64) ([]*LogEntry, error)
	// TruncateFrom drops index and everything after it.
	TruncateFrom(index uint64) error
	// Compact drops everything up to and including upto.
	Compact(upto uint64) error
	// InstallSnapshot makes meta.LastIndex the new boundary. A suffix that
	// matches meta is kept, anything else is dropped.
	InstallSnapshot(meta *SnapshotMeta) error
}

// StateStore persists ServerState and the latest committed configuration.
type StateStore interface {
	SaveState(state *ServerState) error
	// LoadState returns nil, nil when nothing was saved yet.
	LoadState() (*ServerState, error)
	SaveConfig(config *ClusterConfig) error
	// LoadConfig returns nil, nil when nothing was saved yet.
	LoadConfig() (*ClusterConfig, error)
}

// StateMachine is the application the committed log is delivered to.
type StateMachine interface {
	// Apply is called exactly once per committed index, in index order.
	Apply(index uint64, entry *LogEntry) ([]byte, error)
	// PreCommit is called when an application entry is appended locally.
	PreCommit(index uint64, entry *LogEntry)
	// Rollback undoes a PreCommit for an entry that was discarded before
	// commit. Discarded indexes arrive highest first.
	Rollback(index uint64, entry *LogEntry)

	// CreateSnapshot captures the state as of meta.LastIndex, which is the
	// last applied index, before it returns. done is called once the
	// snapshot is durable, possibly later on another goroutine.
	CreateSnapshot(meta *SnapshotMeta, done func(error))
	// LastSnapshot returns the newest durable snapshot, or nil.
	LastSnapshot() *SnapshotMeta
	// ReadSnapshotChunk returns up to maxSize bytes of the snapshot
	// starting at offset, and whether that was the final chunk.
	ReadSnapshotChunk(meta *SnapshotMeta, offset uint64, maxSize int) ([]byte, bool, error)
	// SaveSnapshotChunk stores a chunk received from the leader.
	SaveSnapshotChunk(meta *SnapshotMeta, offset uint64, data []byte, done bool) error
	// ApplySnapshot replaces the state with the fully received snapshot.
	ApplySnapshot(meta *SnapshotMeta) error
}

// Transport delivers messages to other servers. done is called once with
// the reply or an error; it may be called on any goroutine but never
// before Send returns. Replies may be lost, duplicated or reordered.
type Transport interface {
	Send(to ServerID, endpoint string, msg *Message, done func(*Message, error))
}

// TimerKind tells which timer fired.
type TimerKind int

const (
	ElectionTimer TimerKind = iota
	HeartbeatTimer
)

func (k TimerKind) String() string {
	switch k {
	case ElectionTimer:
		return "election"
	case HeartbeatTimer:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Timer is a scheduled callback.
type Timer interface {
	Stop()
}

// Scheduler arms timers. fire is called at most once per Schedule call.
type Scheduler interface {
	Schedule(kind TimerKind, delay time.Duration, fire func()) Timer
}
