package raft

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/pkg/errors"
)

// ServerID identifies a server for its whole lifetime. Zero means "none".
type ServerID int32

// Role is the election role of a server.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// EntryType distinguishes application operations from entries the core
// writes for itself.
type EntryType uint8

const (
	EntryApplication EntryType = iota
	EntryConfig
	EntryNoOp
)

func (t EntryType) String() string {
	switch t {
	case EntryApplication:
		return "app"
	case EntryConfig:
		return "config"
	case EntryNoOp:
		return "noop"
	default:
		return "unknown"
	}
}

// LogEntry is a single replicated operation. Its index is its 1-based
// position in the log.
type LogEntry struct {
	Term    uint64
	Type    EntryType
	Payload []byte
}

// ServerState is the part of a server's state that must survive restarts.
// Term and VotedFor are saved before any reply that depends on them.
type ServerState struct {
	Term        uint64
	VotedFor    ServerID
	CommitIndex uint64
}

// ServerConfig describes one member of the cluster.
type ServerConfig struct {
	ID       ServerID
	Endpoint string
	Voting   bool
}

// ClusterConfig is the member set together with the log index of the
// config entry that introduced it.
type ClusterConfig struct {
	LogIndex     uint64
	PrevLogIndex uint64
	Servers      []ServerConfig
}

// Clone returns a deep copy of c.
func (c *ClusterConfig) Clone() *ClusterConfig {
	if c == nil {
		return nil
	}
	out := &ClusterConfig{
		LogIndex:     c.LogIndex,
		PrevLogIndex: c.PrevLogIndex,
		Servers:      make([]ServerConfig, len(c.Servers)),
	}
	copy(out.Servers, c.Servers)
	return out
}

// Server returns the member with the given id, or nil.
func (c *ClusterConfig) Server(id ServerID) *ServerConfig {
	for i := range c.Servers {
		if c.Servers[i].ID == id {
			return &c.Servers[i]
		}
	}
	return nil
}

// IsVoter reports whether id is a voting member.
func (c *ClusterConfig) IsVoter(id ServerID) bool {
	s := c.Server(id)
	return s != nil && s.Voting
}

// Voters returns the number of voting members.
func (c *ClusterConfig) Voters() int {
	n := 0
	for _, s := range c.Servers {
		if s.Voting {
			n++
		}
	}
	return n
}

// Quorum returns the size of a strict majority of the voting members.
func (c *ClusterConfig) Quorum() int {
	return c.Voters()/2 + 1
}

func (c *ClusterConfig) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "config@%d[", c.LogIndex)
	for i, s := range c.Servers {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", s.ID)
		if !s.Voting {
			b.WriteString("(learner)")
		}
	}
	b.WriteByte(']')
	return b.String()
}

// EncodeConfig serializes c into a config entry payload.
func EncodeConfig(c *ClusterConfig) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, errors.Wrap(err, "encode cluster config")
	}
	return buf.Bytes(), nil
}

// DecodeConfig parses a config entry payload.
func DecodeConfig(data []byte) (*ClusterConfig, error) {
	c := &ClusterConfig{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(c); err != nil {
		return nil, errors.Wrap(err, "decode cluster config")
	}
	return c, nil
}

// SnapshotMeta identifies a state machine snapshot.
type SnapshotMeta struct {
	LastIndex uint64
	LastTerm  uint64
	Config    *ClusterConfig
	Size      uint64
}

// MessageType tags a Message.
type MessageType uint8

const (
	MsgRequestVote MessageType = iota + 1
	MsgRequestVoteReply
	MsgAppendEntries
	MsgAppendEntriesReply
	MsgInstallSnapshot
	MsgInstallSnapshotReply
	MsgNotify
	MsgNotifyReply
)

func (t MessageType) String() string {
	switch t {
	case MsgRequestVote:
		return "RequestVote"
	case MsgRequestVoteReply:
		return "RequestVoteReply"
	case MsgAppendEntries:
		return "AppendEntries"
	case MsgAppendEntriesReply:
		return "AppendEntriesReply"
	case MsgInstallSnapshot:
		return "InstallSnapshot"
	case MsgInstallSnapshotReply:
		return "InstallSnapshotReply"
	case MsgNotify:
		return "Notify"
	case MsgNotifyReply:
		return "NotifyReply"
	default:
		return "Unknown"
	}
}

// Message is the envelope exchanged between servers. Exactly one of the
// payload pointers matching Type is set.
type Message struct {
	Type MessageType
	From ServerID
	To   ServerID
	Term uint64

	RequestVote          *RequestVoteArgs
	RequestVoteReply     *RequestVoteReply
	AppendEntries        *AppendEntriesArgs
	AppendEntriesReply   *AppendEntriesReply
	InstallSnapshot      *InstallSnapshotArgs
	InstallSnapshotReply *InstallSnapshotReply
	Notify               *NotifyArgs
}

type RequestVoteArgs struct {
	CandidateID  ServerID
	LastLogIndex uint64 // index of candidate's last log entry
	LastLogTerm  uint64 // term of candidate's last log entry
}

type RequestVoteReply struct {
	VoteGranted bool
}

type AppendEntriesArgs struct {
	LeaderID     ServerID
	PrevLogIndex uint64 // index of log entry immediately preceding new ones
	PrevLogTerm  uint64 // term of prevLogIndex entry
	Entries      []*LogEntry
	LeaderCommit uint64
}

type AppendEntriesReply struct {
	Success    bool
	MatchIndex uint64 // last index known to match the leader, valid on success

	// Set on rejection so the leader can skip a whole term instead of
	// decreasing nextIndex one entry at a time.
	ConflictTerm  uint64
	ConflictIndex uint64
}

type InstallSnapshotArgs struct {
	LeaderID ServerID
	Meta     *SnapshotMeta
	Offset   uint64
	Data     []byte
	Done     bool
}

type InstallSnapshotReply struct {
	Success    bool
	NextOffset uint64
}

// NotifyKind tags a leader-to-follower notification.
type NotifyKind uint8

const (
	NotifyOutOfLogRange NotifyKind = iota + 1
	NotifyLeaveCluster
)

type NotifyArgs struct {
	Kind             NotifyKind
	LeaderID         ServerID
	LeaderStartIndex uint64
}
