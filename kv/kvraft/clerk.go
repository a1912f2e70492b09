package kvraft

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keegancsmith/rpc"
	"github.com/pkg/errors"
)

const RequestTimeout = time.Duration(150 * time.Millisecond)

// Clerk is a client of the replicated key/value service. It sends each
// request to the last known leader and moves on to the next server when
// that one is not the leader. Calls on one Clerk are serialized.
type Clerk struct {
	mu        sync.Mutex
	endpoints []string
	clients   map[string]*rpc.Client

	id         string
	lastLeader int    // last known leader
	seq        uint64 // unique serial numbers to every command for linearizability

	// RetryInterval is the pause before trying the next server.
	RetryInterval time.Duration
	// DialTimeout bounds connecting to one server.
	DialTimeout time.Duration
}

// MakeClerk returns a clerk for the servers at endpoints.
func MakeClerk(endpoints []string) *Clerk {
	return &Clerk{
		endpoints:     append([]string(nil), endpoints...),
		clients:       make(map[string]*rpc.Client),
		id:            uuid.New().String(),
		RetryInterval: RequestTimeout,
		DialTimeout:   time.Second,
	}
}

// ID returns the clerk's client id.
func (ck *Clerk) ID() string {
	return ck.id
}

// Get fetches the current value for a key. It returns "" if the key does
// not exist, and keeps trying other servers until ctx ends.
func (ck *Clerk) Get(ctx context.Context, key string) (string, error) {
	ck.mu.Lock()
	defer ck.mu.Unlock()

	ck.seq++
	args := GetArgs{
		Key:      key,
		ClientID: ck.id,
		Seq:      ck.seq,
	}
	var value string
	err := ck.retry(ctx, func(ctx context.Context, c *rpc.Client) (LeaderHint, bool, error) {
		var reply GetReply
		if err := c.Call(ctx, ServiceName+".Get", &args, &reply); err != nil {
			return LeaderHint{}, false, err
		}
		switch reply.Err {
		case OK:
			value = reply.Value
			return LeaderHint{}, true, nil
		case ErrNoKey:
			value = ""
			return LeaderHint{}, true, nil
		default:
			return reply.Leader, false, nil
		}
	})
	return value, err
}

// Put sets key to value.
func (ck *Clerk) Put(ctx context.Context, key, value string) error {
	return ck.PutAppend(ctx, key, value, "Put")
}

// Append appends value to the value of key.
func (ck *Clerk) Append(ctx context.Context, key, value string) error {
	return ck.PutAppend(ctx, key, value, "Append")
}

// PutAppend is shared by Put and Append.
func (ck *Clerk) PutAppend(ctx context.Context, key, value, op string) error {
	ck.mu.Lock()
	defer ck.mu.Unlock()

	ck.seq++
	args := PutAppendArgs{
		Key:      key,
		Value:    value,
		Op:       op,
		ClientID: ck.id,
		Seq:      ck.seq,
	}
	return ck.retry(ctx, func(ctx context.Context, c *rpc.Client) (LeaderHint, bool, error) {
		var reply PutAppendReply
		if err := c.Call(ctx, ServiceName+".PutAppend", &args, &reply); err != nil {
			return LeaderHint{}, false, err
		}
		return reply.Leader, reply.Err == OK, nil
	})
}

// retry runs call against servers until it reports done or ctx ends.
// The request keeps its sequence number across attempts, so a request
// that was applied but whose reply was lost is not applied again.
func (ck *Clerk) retry(ctx context.Context, call func(context.Context, *rpc.Client) (LeaderHint, bool, error)) error {
	if len(ck.endpoints) == 0 {
		return errors.New("kvraft: no servers")
	}
	hinted := false
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "kvraft: giving up")
		}
		endpoint := ck.endpoints[ck.lastLeader]
		c, err := ck.client(endpoint)
		if err == nil {
			var (
				hint LeaderHint
				done bool
			)
			hint, done, err = call(ctx, c)
			if done {
				return nil
			}
			if err != nil {
				ck.dropClient(endpoint)
			}
			// Follow one hint right away; after that fall back to rotating.
			if !hinted && ck.follow(hint) {
				hinted = true
				continue
			}
		}
		hinted = false
		if err != nil {
			log.Debugw("request failed", "endpoint", endpoint, "error", err)
		}

		ck.lastLeader = (ck.lastLeader + 1) % len(ck.endpoints)
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "kvraft: giving up")
		case <-time.After(ck.RetryInterval):
		}
	}
}

// follow jumps to the hinted leader when it is one of the known servers
// and not the one just tried.
func (ck *Clerk) follow(hint LeaderHint) bool {
	if hint.Endpoint == "" {
		return false
	}
	for i, e := range ck.endpoints {
		if e == hint.Endpoint && i != ck.lastLeader {
			ck.lastLeader = i
			return true
		}
	}
	return false
}

func (ck *Clerk) client(endpoint string) (*rpc.Client, error) {
	if c, ok := ck.clients[endpoint]; ok {
		return c, nil
	}
	conn, err := net.DialTimeout("tcp", endpoint, ck.DialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	c := rpc.NewClient(conn)
	ck.clients[endpoint] = c
	return c, nil
}

func (ck *Clerk) dropClient(endpoint string) {
	if c, ok := ck.clients[endpoint]; ok {
		c.Close()
		delete(ck.clients, endpoint)
	}
}

// Close closes the connections to the servers.
func (ck *Clerk) Close() {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	for endpoint := range ck.clients {
		ck.dropClient(endpoint)
	}
}
