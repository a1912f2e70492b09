package raft

import (
	"fmt"
	"sync"
	"testing"
)

// Ten operations commit everywhere. The leader is then cut off and keeps
// appending while the other two elect a new leader and commit five more.
// After the partition heals the old leader discards its uncommitted tail,
// highest index first, and every server applies the same fifteen operations.
func TestDivergentSuffixIsRolledBack(t *testing.T) {
	c := newCluster(t, 3, testParams())
	c.elect(1)

	var want []string
	for i := 1; i <= 10; i++ {
		want = append(want, fmt.Sprintf("op-%d", i))
	}
	c.submit(1, want...)
	c.net.deliverAll(t)
	c.heartbeat(1)
	for _, id := range []ServerID{1, 2, 3} {
		c.checkApplied(id, want...)
	}
	before := c.logs[1].LastIndex()
	if st := c.nodes[1].Status(); st.CommitIndex != before {
		t.Fatalf("commit index %d, want %d before the partition", st.CommitIndex, before)
	}

	c.net.disconnect(1)
	c.submit(1, "lost-1", "lost-2", "lost-3")
	c.net.deliverAll(t)
	after := c.logs[1].LastIndex()

	c.elect(2)
	var divergent []string
	for i := 11; i <= 15; i++ {
		divergent = append(divergent, fmt.Sprintf("op-%d", i))
	}
	futures := c.submit(2, divergent...)
	c.net.deliverAll(t)
	for _, f := range futures {
		if _, err := waitFuture(t, f); err != nil {
			t.Fatalf("submit on new leader: %v", err)
		}
	}
	want = append(want, divergent...)

	c.net.connect(1)
	c.heartbeat(2)
	c.heartbeat(2)

	rollbacks := c.sms[1].rollbackCopy()
	if uint64(len(rollbacks)) != after-before {
		t.Fatalf("rolled back %v, want %d entries", rollbacks, after-before)
	}
	for i, idx := range rollbacks {
		if idx != after-uint64(i) {
			t.Fatalf("rolled back %v, want %d down to %d", rollbacks, after, before+1)
		}
	}
	for _, id := range []ServerID{2, 3} {
		if rb := c.sms[id].rollbackCopy(); len(rb) != 0 {
			t.Errorf("server %d rolled back %v", id, rb)
		}
	}

	events := eventsOf(c.events[1], func(e Event) bool { _, ok := e.(Rollback); return ok })
	if len(events) != 1 {
		t.Fatalf("Rollback events = %v, want one", events)
	}
	if got := events[0].(Rollback).Indexes; len(got) != len(rollbacks) || got[0] != rollbacks[0] {
		t.Fatalf("Rollback event indexes = %v, state machine saw %v", got, rollbacks)
	}

	for _, id := range []ServerID{1, 2, 3} {
		c.checkApplied(id, want...)
		last := c.logs[id].LastIndex()
		if last != c.logs[2].LastIndex() {
			t.Errorf("server %d last index %d, leader %d", id, last, c.logs[2].LastIndex())
		}
		for i := uint64(1); i <= last; i++ {
			a, _ := c.logs[id].TermAt(i)
			b, _ := c.logs[2].TermAt(i)
			if a != b {
				t.Errorf("server %d term at %d = %d, leader has %d", id, i, a, b)
			}
		}
	}
}

func TestTruncatingCommittedEntryPanics(t *testing.T) {
	logs := NewMemoryLogStore()
	rf := newFollower(t, logs, newTestSM())
	rf.HandleMessage(&Message{
		Type: MsgAppendEntries, From: 1, To: 2, Term: 1,
		AppendEntries: &AppendEntriesArgs{
			LeaderID:     1,
			Entries:      []*LogEntry{{Term: 1}, {Term: 1}},
			LeaderCommit: 2,
		},
	})

	defer func() {
		if recover() == nil {
			t.Fatalf("discarding a committed entry did not panic")
		}
	}()
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.truncateSuffix(2)
}

// compactingLog compacts itself right before the next TermAt, the way a
// snapshot completing on another goroutine can under a running handler.
type compactingLog struct {
	*MemoryLogStore

	mu        sync.Mutex
	compactAt uint64
}

func (l *compactingLog) compactOnNextRead(upto uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.compactAt = upto
}

func (l *compactingLog) TermAt(index uint64) (uint64, error) {
	l.mu.Lock()
	upto := l.compactAt
	l.compactAt = 0
	l.mu.Unlock()
	if upto > 0 {
		if err := l.MemoryLogStore.Compact(upto); err != nil {
			return 0, err
		}
	}
	return l.MemoryLogStore.TermAt(index)
}

func TestRepeatedAppendEntriesDuringCompaction(t *testing.T) {
	logs := &compactingLog{MemoryLogStore: NewMemoryLogStore()}
	sm := newTestSM()
	rf := newFollower(t, logs, sm)

	appendFive := func() *Message {
		entries := make([]*LogEntry, 5)
		for i := range entries {
			entries[i] = &LogEntry{Term: 1, Payload: []byte(fmt.Sprintf("e%d", i+1))}
		}
		return &Message{
			Type: MsgAppendEntries, From: 1, To: 2, Term: 1,
			AppendEntries: &AppendEntriesArgs{LeaderID: 1, Entries: entries, LeaderCommit: 5},
		}
	}

	resp := rf.HandleMessage(appendFive())
	if resp == nil || !resp.AppendEntriesReply.Success {
		t.Fatalf("first AppendEntries rejected: %+v", resp)
	}
	if got := len(sm.appliedPayloads()); got != 5 {
		t.Fatalf("applied %d entries, want 5", got)
	}

	logs.compactOnNextRead(5)
	resp = rf.HandleMessage(appendFive())
	if resp == nil || !resp.AppendEntriesReply.Success || resp.AppendEntriesReply.MatchIndex != 5 {
		t.Fatalf("repeated AppendEntries reply = %+v", resp)
	}
	if start := logs.StartIndex(); start != 6 {
		t.Fatalf("start index = %d, want 6", start)
	}
	if rb := sm.rollbackCopy(); len(rb) != 0 {
		t.Fatalf("rolled back %v", rb)
	}
	if got := len(sm.appliedPayloads()); got != 5 {
		t.Fatalf("applied %d entries after the repeat, want 5", got)
	}
	if st := rf.Status(); st.CommitIndex != 5 {
		t.Fatalf("commit index = %d, want 5", st.CommitIndex)
	}
}

// Compacting the leader's log with no snapshot behind it strands a lagging
// follower. The group keeps running and both sides report it.
func TestForcedCompactionReportsOutOfLogRange(t *testing.T) {
	c := newCluster(t, 3, testParams())
	c.elect(1)
	c.heartbeat(1)

	c.net.disconnect(3)
	c.submit(1, "a", "b", "c", "d", "e")
	c.net.deliverAll(t)
	c.heartbeat(1)

	const purge = 4
	if err := c.logs[1].Compact(purge); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	c.net.connect(3)
	c.heartbeat(1)

	isOOR := func(e Event) bool { _, ok := e.(OutOfLogRange); return ok }
	leaderEvents := eventsOf(c.events[1], isOOR)
	if len(leaderEvents) == 0 {
		t.Fatalf("leader raised no OutOfLogRange")
	}
	if e := leaderEvents[0].(OutOfLogRange); e.PeerID != 3 || e.LeaderStartIndex != purge+1 {
		t.Fatalf("leader event = %+v, want peer 3 start %d", e, purge+1)
	}
	followerEvents := eventsOf(c.events[3], isOOR)
	if len(followerEvents) == 0 {
		t.Fatalf("follower raised no OutOfLogRange")
	}
	if e := followerEvents[0].(OutOfLogRange); e.PeerID != 3 || e.LeaderStartIndex != purge+1 {
		t.Fatalf("follower event = %+v, want start %d", e, purge+1)
	}

	// The remaining majority still commits.
	futures := c.submit(1, "f")
	c.net.deliverAll(t)
	if _, err := waitFuture(t, futures[0]); err != nil {
		t.Fatalf("submit after compaction: %v", err)
	}
	c.checkApplied(2, "a", "b", "c", "d", "e", "f")
}

func TestRemoveUnresponsiveServer(t *testing.T) {
	c := newCluster(t, 3, testParams())
	c.elect(1)
	c.heartbeat(1)
	c.net.disconnect(3)

	f, err := c.nodes[1].RemoveServer(3)
	if err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	c.net.deliverAll(t)
	if _, err := waitFuture(t, f); err != nil {
		t.Fatalf("removal: %v", err)
	}

	cfg := c.nodes[1].Config()
	if cfg.Server(3) != nil || len(cfg.Servers) != 2 {
		t.Fatalf("config after removal = %s", cfg)
	}
	futures := c.submit(1, "after")
	c.net.deliverAll(t)
	if _, err := waitFuture(t, futures[0]); err != nil {
		t.Fatalf("submit after removal: %v", err)
	}
}
