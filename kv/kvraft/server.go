package kvraft

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/oopDaniel/raftcore/raft"
)

const ApplyTimeout = time.Duration(2 * time.Second)

// Proposer is the part of the consensus server the front end needs.
// *raft.Raft satisfies it.
type Proposer interface {
	Submit(ctx context.Context, payloads ...[]byte) ([]*raft.Future, error)
}

// KVServer is the RPC front end of a replicated Store. Every request,
// reads included, goes through the log so replies are linearizable.
type KVServer struct {
	rf    Proposer
	store *Store

	applyTimeout time.Duration
}

// NewKVServer returns a front end submitting to rf. store must be the state
// machine rf applies to.
func NewKVServer(rf Proposer, store *Store) *KVServer {
	return &KVServer{rf: rf, store: store, applyTimeout: ApplyTimeout}
}

// Store returns the state machine behind the server.
func (kv *KVServer) Store() *Store {
	return kv.store
}

// RPC handler for Get
func (kv *KVServer) Get(ctx context.Context, args *GetArgs, reply *GetReply) error {
	op := &Op{
		OpName:   GET,
		Key:      args.Key,
		ClientID: args.ClientID,
		Seq:      args.Seq,
	}
	result, err := kv.propose(ctx, op)
	switch {
	case err == nil:
		reply.Err = OK
		reply.Value = string(result)
	case errors.Is(err, ErrKeyNotFound):
		reply.Err = ErrNoKey
	default:
		reply.Err, reply.WrongLeader, reply.Leader = replyError(err)
	}
	return nil
}

// RPC handler for Put/Append
func (kv *KVServer) PutAppend(ctx context.Context, args *PutAppendArgs, reply *PutAppendReply) error {
	op := &Op{
		Key:      args.Key,
		Value:    args.Value,
		ClientID: args.ClientID,
		Seq:      args.Seq,
	}
	switch args.Op {
	case "Put":
		op.OpName = PUT
	case "Append":
		op.OpName = APPEND
	default:
		return errors.Errorf("kvraft: unknown operation %q", args.Op)
	}

	if _, err := kv.propose(ctx, op); err != nil {
		reply.Err, reply.WrongLeader, reply.Leader = replyError(err)
		return nil
	}
	reply.Err = OK
	return nil
}

// propose submits op and waits until it is applied, bounded by ctx and the
// apply timeout.
func (kv *KVServer) propose(ctx context.Context, op *Op) ([]byte, error) {
	payload, err := encodeOp(op)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, kv.applyTimeout)
	defer cancel()

	futures, err := kv.rf.Submit(ctx, payload)
	if err != nil {
		return nil, err
	}
	f := futures[0]
	// Block until the request processed, or timeout
	if err := f.Wait(ctx); err != nil {
		return nil, err
	}
	return f.Result()
}

func replyError(err error) (Err, bool, LeaderHint) {
	if errors.Is(err, raft.ErrNotLeader) {
		var hint LeaderHint
		var nle *raft.NotLeaderError
		if errors.As(err, &nle) {
			hint = LeaderHint{ID: nle.LeaderID, Endpoint: nle.LeaderEndpoint}
		}
		return ErrWrongLeader, true, hint
	}
	log.Debugw("request failed", "error", err)
	return ErrTimeout, false, LeaderHint{}
}
