package raft

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Future is the outcome of one submitted operation. It is resolved when the
// entry is applied, or when it can no longer commit.
type Future struct {
	index uint64
	term  uint64

	once   sync.Once
	done   chan struct{}
	result []byte
	err    error
}

func newFuture(index, term uint64) *Future {
	return &Future{index: index, term: term, done: make(chan struct{})}
}

// Index is the log index the operation was appended at.
func (f *Future) Index() uint64 {
	return f.index
}

// Term is the term the operation was appended in.
func (f *Future) Term() uint64 {
	return f.term
}

// Done is closed once the outcome is known.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the state machine's result and error. It is only
// meaningful after Done is closed.
func (f *Future) Result() ([]byte, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		return nil, ErrTimeout
	}
}

// Wait blocks until the outcome is known or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Future) resolve(result []byte, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Submit appends payloads as application entries. With ReturnBlocking it
// waits until all of them are applied, bounded by ctx and
// Params.ClientTimeout; with ReturnAsync it returns once they are appended.
// A non-leader rejects the call with a *NotLeaderError.
func (rf *Raft) Submit(ctx context.Context, payloads ...[]byte) ([]*Future, error) {
	rf.mu.Lock()
	if rf.shutdown {
		rf.mu.Unlock()
		return nil, ErrShutdown
	}
	if rf.role != Leader {
		err := rf.notLeaderError()
		rf.mu.Unlock()
		return nil, err
	}

	futures := make([]*Future, 0, len(payloads))
	for _, payload := range payloads {
		idx := rf.appendLocal(&LogEntry{Term: rf.term, Type: EntryApplication, Payload: payload})
		f := newFuture(idx, rf.term)
		rf.pending[idx] = f
		futures = append(futures, f)
	}
	rf.updateCommitIndex()
	rf.broadcast()

	method, timeout := rf.params.ReturnMethod, rf.params.ClientTimeout
	rf.unlockAndFlush()

	if method == ReturnAsync {
		return futures, nil
	}
	return futures, rf.waitAll(ctx, timeout, futures)
}

// waitAll blocks until every future is resolved. On timeout the caller
// learns whether the leader lost contact with a quorum.
func (rf *Raft) waitAll(ctx context.Context, timeout time.Duration, futures []*Future) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, f := range futures {
		err := f.Wait(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() == nil {
			return err
		}
		rf.mu.Lock()
		noQuorum := rf.role == Leader && !rf.hasQuorumContact()
		rf.mu.Unlock()
		if noQuorum {
			return errors.Wrapf(ErrQuorumUnavailable, "index %d", f.index)
		}
		return errors.Wrapf(ErrTimeout, "index %d", f.index)
	}
	return nil
}
