package kvraft

import (
	"bytes"
	"encoding/gob"

	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/oopDaniel/raftcore/raft"
)

var log = logging.Logger("kvraft")

// ServiceName is the RPC service the key/value front end is served under.
const ServiceName = "KVServer"

// Err is the outcome carried in replies.
type Err string

const (
	OK             Err = "OK"
	ErrNoKey       Err = "ErrNoKey"
	ErrWrongLeader Err = "ErrWrongLeader"
	ErrTimeout     Err = "ErrTimeout"
)

// ErrKeyNotFound is the state machine result of a Get on a missing key.
var ErrKeyNotFound = errors.New("kvraft: no such key")

type Operation uint8

const (
	GET Operation = iota
	PUT
	APPEND
)

func (o Operation) String() string {
	switch o {
	case GET:
		return "Get"
	case PUT:
		return "Put"
	case APPEND:
		return "Append"
	default:
		return "unknown"
	}
}

// Op is one replicated command.
type Op struct {
	Key      string
	Value    string
	OpName   Operation
	ClientID string // Client id
	Seq      uint64 // Unique sequential numbers of request
}

func encodeOp(op *Op) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(op); err != nil {
		return nil, errors.Wrap(err, "encode op")
	}
	return buf.Bytes(), nil
}

func decodeOp(data []byte) (*Op, error) {
	var op Op
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&op); err != nil {
		return nil, errors.Wrap(err, "decode op")
	}
	return &op, nil
}

// Put or Append
type PutAppendArgs struct {
	Key      string
	Value    string
	Op       string // "Put" or "Append"
	ClientID string
	Seq      uint64
}

type PutAppendReply struct {
	WrongLeader bool
	Err         Err
	Leader      LeaderHint
}

type GetArgs struct {
	Key      string
	ClientID string
	Seq      uint64
}

type GetReply struct {
	WrongLeader bool
	Err         Err
	Value       string
	Leader      LeaderHint
}

// LeaderHint tells a client where the leader was last seen. The endpoint is
// the leader's raft address; the zero value means unknown.
type LeaderHint struct {
	ID       raft.ServerID
	Endpoint string
}
