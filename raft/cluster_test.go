package raft

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var (
	errUnreachable = errors.New("test: unreachable")
	errNoReply     = errors.New("test: no reply")
)

// testNet queues every message until the test delivers it.
type testNet struct {
	mu     sync.Mutex
	queue  []*inflight
	nodes  map[ServerID]*Raft
	downed map[ServerID]bool
}

type inflight struct {
	from, to ServerID
	msg      *Message
	done     func(*Message, error)
}

func newTestNet() *testNet {
	return &testNet{nodes: make(map[ServerID]*Raft), downed: make(map[ServerID]bool)}
}

type netEndpoint struct {
	net  *testNet
	from ServerID
}

func (e *netEndpoint) Send(to ServerID, endpoint string, msg *Message, done func(*Message, error)) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.net.queue = append(e.net.queue, &inflight{from: e.from, to: to, msg: msg, done: done})
}

func (n *testNet) endpoint(id ServerID) Transport {
	return &netEndpoint{net: n, from: id}
}

func (n *testNet) disconnect(id ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.downed[id] = true
}

func (n *testNet) connect(id ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.downed, id)
}

func (n *testNet) pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// take removes the first queued request from one server to another.
func (n *testNet) take(from, to ServerID) *inflight {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, m := range n.queue {
		if m.from == from && m.to == to {
			n.queue = append(n.queue[:i], n.queue[i+1:]...)
			return m
		}
	}
	return nil
}

// queuedTo counts the queued requests from one server to another.
func (n *testNet) queuedTo(from, to ServerID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, m := range n.queue {
		if m.from == from && m.to == to {
			count++
		}
	}
	return count
}

// deliver runs the i-th queued request and its reply callback. drop fails
// it instead.
func (n *testNet) deliver(i int, drop bool) {
	n.mu.Lock()
	m := n.queue[i]
	n.queue = append(n.queue[:i], n.queue[i+1:]...)
	target := n.nodes[m.to]
	down := n.downed[m.from] || n.downed[m.to] || target == nil
	n.mu.Unlock()

	if drop || down {
		m.done(nil, errUnreachable)
		return
	}
	resp := target.HandleMessage(m.msg)
	if resp == nil {
		m.done(nil, errNoReply)
		return
	}
	m.done(resp, nil)
}

// deliverAll delivers queued messages in order until none are left.
func (n *testNet) deliverAll(t *testing.T) {
	t.Helper()
	for i := 0; n.pending() > 0; i++ {
		if i > 100000 {
			t.Fatalf("network did not quiesce")
		}
		n.deliver(0, false)
	}
}

// testScheduler keeps the armed timers until the test fires them.
type testScheduler struct {
	mu    sync.Mutex
	armed map[TimerKind]*testTimer
}

type testTimer struct {
	mu      sync.Mutex
	fire    func()
	stopped bool
}

func (t *testTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func newTestScheduler() *testScheduler {
	return &testScheduler{armed: make(map[TimerKind]*testTimer)}
}

func (s *testScheduler) Schedule(kind TimerKind, delay time.Duration, fire func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &testTimer{fire: fire}
	s.armed[kind] = t
	return t
}

// isArmed reports whether a live timer of kind is pending.
func (s *testScheduler) isArmed(kind TimerKind) bool {
	s.mu.Lock()
	t := s.armed[kind]
	s.mu.Unlock()
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// fire runs the armed timer of kind, if any.
func (s *testScheduler) fire(kind TimerKind) bool {
	s.mu.Lock()
	t := s.armed[kind]
	delete(s.armed, kind)
	s.mu.Unlock()
	if t == nil {
		return false
	}
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return false
	}
	t.fire()
	return true
}

type appliedEntry struct {
	Index   uint64
	Payload []byte
}

// testSM records what the core delivers and keeps snapshots in memory.
type testSM struct {
	mu         sync.Mutex
	applied    []appliedEntry
	precommits map[uint64][]byte
	rollbacks  []uint64

	snap     *SnapshotMeta
	snapData []byte
	recv     []byte
}

func newTestSM() *testSM {
	return &testSM{precommits: make(map[uint64][]byte)}
}

func (m *testSM) Apply(index uint64, entry *LogEntry) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.applied); n > 0 && m.applied[n-1].Index >= index {
		return nil, fmt.Errorf("apply %d after %d", index, m.applied[n-1].Index)
	}
	m.applied = append(m.applied, appliedEntry{Index: index, Payload: entry.Payload})
	delete(m.precommits, index)
	return entry.Payload, nil
}

func (m *testSM) PreCommit(index uint64, entry *LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.precommits[index] = entry.Payload
}

func (m *testSM) Rollback(index uint64, entry *LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks = append(m.rollbacks, index)
	delete(m.precommits, index)
}

func (m *testSM) CreateSnapshot(meta *SnapshotMeta, done func(error)) {
	m.mu.Lock()
	var keep []appliedEntry
	for _, a := range m.applied {
		if a.Index <= meta.LastIndex {
			keep = append(keep, a)
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(keep); err != nil {
		m.mu.Unlock()
		done(err)
		return
	}
	cp := *meta
	cp.Size = uint64(buf.Len())
	m.snap = &cp
	m.snapData = buf.Bytes()
	m.mu.Unlock()
	done(nil)
}

func (m *testSM) LastSnapshot() *SnapshotMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil
	}
	cp := *m.snap
	return &cp
}

func (m *testSM) ReadSnapshotChunk(meta *SnapshotMeta, offset uint64, maxSize int) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil || m.snap.LastIndex != meta.LastIndex {
		return nil, false, ErrSnapshotUnavailable
	}
	if offset > uint64(len(m.snapData)) {
		return nil, false, errors.Errorf("offset %d past end", offset)
	}
	end := offset + uint64(maxSize)
	if end >= uint64(len(m.snapData)) {
		return append([]byte(nil), m.snapData[offset:]...), true, nil
	}
	return append([]byte(nil), m.snapData[offset:end]...), false, nil
}

func (m *testSM) SaveSnapshotChunk(meta *SnapshotMeta, offset uint64, data []byte, done bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset == 0 {
		m.recv = nil
	}
	if offset != uint64(len(m.recv)) {
		return errors.Errorf("chunk at %d, have %d bytes", offset, len(m.recv))
	}
	m.recv = append(m.recv, data...)
	return nil
}

func (m *testSM) ApplySnapshot(meta *SnapshotMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []appliedEntry
	if err := gob.NewDecoder(bytes.NewReader(m.recv)).Decode(&entries); err != nil {
		return err
	}
	m.applied = entries
	cp := *meta
	m.snap = &cp
	m.snapData = m.recv
	m.recv = nil
	return nil
}

func (m *testSM) appliedPayloads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.applied))
	for _, a := range m.applied {
		out = append(out, string(a.Payload))
	}
	return out
}

func (m *testSM) appliedCopy() []appliedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]appliedEntry(nil), m.applied...)
}

func (m *testSM) rollbackCopy() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.rollbacks...)
}

// eventLog collects the events of one server.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// cluster wires servers to a testNet with manual timers.
type cluster struct {
	t      *testing.T
	net    *testNet
	params Params
	boot   *ClusterConfig

	nodes  map[ServerID]*Raft
	sms    map[ServerID]*testSM
	scheds map[ServerID]*testScheduler
	logs   map[ServerID]*MemoryLogStore
	states map[ServerID]*MemoryStateStore
	events map[ServerID]*eventLog
}

func testParams() Params {
	p := DefaultParams()
	p.ReturnMethod = ReturnAsync
	return p
}

func endpointOf(id ServerID) string {
	return fmt.Sprintf("node-%d", id)
}

func newCluster(t *testing.T, n int, params Params) *cluster {
	t.Helper()
	boot := &ClusterConfig{}
	for i := 1; i <= n; i++ {
		boot.Servers = append(boot.Servers, ServerConfig{ID: ServerID(i), Endpoint: endpointOf(ServerID(i)), Voting: true})
	}
	c := &cluster{
		t:      t,
		net:    newTestNet(),
		params: params,
		boot:   boot,
		nodes:  make(map[ServerID]*Raft),
		sms:    make(map[ServerID]*testSM),
		scheds: make(map[ServerID]*testScheduler),
		logs:   make(map[ServerID]*MemoryLogStore),
		states: make(map[ServerID]*MemoryStateStore),
		events: make(map[ServerID]*eventLog),
	}
	for i := 1; i <= n; i++ {
		c.addNode(ServerID(i), boot)
	}
	t.Cleanup(c.shutdown)
	return c
}

// addNode creates and starts a server with fresh stores.
func (c *cluster) addNode(id ServerID, boot *ClusterConfig) *Raft {
	c.t.Helper()
	c.logs[id] = NewMemoryLogStore()
	c.states[id] = NewMemoryStateStore()
	c.sms[id] = newTestSM()
	return c.startNode(id, boot)
}

// startNode creates a server over the stores already registered for id.
func (c *cluster) startNode(id ServerID, boot *ClusterConfig) *Raft {
	c.t.Helper()
	c.scheds[id] = newTestScheduler()
	el := &eventLog{}
	c.events[id] = el
	rf, err := New(Options{
		ID:           id,
		LogStore:     c.logs[id],
		StateStore:   c.states[id],
		StateMachine: c.sms[id],
		Transport:    c.net.endpoint(id),
		Scheduler:    c.scheds[id],
		EventHandler: el.handle,
		Params:       c.params,
		Bootstrap:    boot,
		Seed:         int64(id),
	})
	if err != nil {
		c.t.Fatalf("New(%d): %v", id, err)
	}
	c.net.mu.Lock()
	c.net.nodes[id] = rf
	c.net.mu.Unlock()
	c.nodes[id] = rf
	if err := rf.Start(); err != nil {
		c.t.Fatalf("Start(%d): %v", id, err)
	}
	return rf
}

// restart shuts a server down and brings it back over the same log and
// state stores with an empty state machine.
func (c *cluster) restart(id ServerID) *Raft {
	c.t.Helper()
	c.nodes[id].Shutdown()
	c.sms[id] = newTestSM()
	return c.startNode(id, c.boot)
}

func (c *cluster) shutdown() {
	for _, rf := range c.nodes {
		rf.Shutdown()
	}
}

// elect fires id's election timer and delivers until quiet.
func (c *cluster) elect(id ServerID) {
	c.t.Helper()
	if !c.scheds[id].fire(ElectionTimer) {
		c.t.Fatalf("server %d has no election timer armed", id)
	}
	c.net.deliverAll(c.t)
	if _, isLeader := c.nodes[id].State(); !isLeader {
		c.t.Fatalf("server %d did not win the election", id)
	}
}

// heartbeat fires the leader's heartbeat timer and delivers until quiet.
func (c *cluster) heartbeat(id ServerID) {
	c.t.Helper()
	if !c.scheds[id].fire(HeartbeatTimer) {
		c.t.Fatalf("server %d has no heartbeat timer armed", id)
	}
	c.net.deliverAll(c.t)
}

func (c *cluster) submit(id ServerID, payloads ...string) []*Future {
	c.t.Helper()
	data := make([][]byte, len(payloads))
	for i, p := range payloads {
		data[i] = []byte(p)
	}
	futures, err := c.nodes[id].Submit(context.Background(), data...)
	if err != nil {
		c.t.Fatalf("Submit on %d: %v", id, err)
	}
	return futures
}

func (c *cluster) checkApplied(id ServerID, want ...string) {
	c.t.Helper()
	got := c.sms[id].appliedPayloads()
	if len(got) != len(want) {
		c.t.Fatalf("server %d applied %q, want %q", id, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			c.t.Fatalf("server %d applied %q, want %q", id, got, want)
		}
	}
}

// eventsOf returns the events in el that match.
func eventsOf(el *eventLog, match func(Event) bool) []Event {
	var out []Event
	for _, e := range el.all() {
		if match(e) {
			out = append(out, e)
		}
	}
	return out
}

func waitFuture(t *testing.T, f *Future) ([]byte, error) {
	t.Helper()
	select {
	case <-f.Done():
		return f.Result()
	case <-time.After(time.Second):
		t.Fatalf("future for index %d not resolved", f.Index())
		return nil, nil
	}
}

// runRandom drives a cluster with random timer firings, message loss and
// delivery order.
func runRandom(c *cluster, rng *rand.Rand, steps int) {
	ids := make([]ServerID, 0, len(c.nodes))
	for i := 1; i <= len(c.nodes); i++ {
		ids = append(ids, ServerID(i))
	}
	for i := 0; i < steps; i++ {
		switch r := rng.Intn(100); {
		case r < 3:
			c.scheds[ids[rng.Intn(len(ids))]].fire(ElectionTimer)
		case r < 10:
			c.scheds[ids[rng.Intn(len(ids))]].fire(HeartbeatTimer)
		case r < 15:
			id := ids[rng.Intn(len(ids))]
			if _, isLeader := c.nodes[id].State(); isLeader {
				_, _ = c.nodes[id].Submit(context.Background(), []byte(fmt.Sprintf("op-%d", i)))
			}
		default:
			if n := c.net.pending(); n > 0 {
				c.net.deliver(rng.Intn(n), rng.Intn(10) == 0)
			}
		}
	}
}
