package raft

//
// The consensus core. One Raft value is one server of one group; many may
// live in the same process.
//
// Every stimulus (inbound message, reply, timer, client call, snapshot
// completion) takes rf.mu, runs the transition, queues outgoing messages
// and events, and releases the lock through unlockAndFlush, which sends the
// queued messages, raises the queued events and runs the apply path.
//

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Options bind a server to its collaborators.
type Options struct {
	ID           ServerID
	LogStore     LogStore
	StateStore   StateStore
	StateMachine StateMachine
	Transport    Transport
	Scheduler    Scheduler
	EventHandler EventHandler
	Logger       Logger
	Params       Params

	// Bootstrap is the initial configuration, used only when the state
	// store holds none.
	Bootstrap *ClusterConfig

	// Seed for the election timeout randomization. Zero picks one.
	Seed int64
}

type outgoing struct {
	to       ServerID
	endpoint string
	msg      *Message
}

// Raft is a single consensus server.
type Raft struct {
	mu sync.Mutex // Lock to protect shared access to this server's state

	id        ServerID
	params    Params
	logs      LogStore
	stable    StateStore
	sm        StateMachine
	transport Transport
	scheduler Scheduler
	handler   EventHandler
	logger    Logger
	rng       *rand.Rand

	// Persistent state
	term     uint64
	votedFor ServerID

	// Volatile state on all servers
	role        Role
	leaderID    ServerID
	commitIndex uint64
	lastApplied uint64

	config          *ClusterConfig // latest appended, authoritative for quorum
	committedConfig *ClusterConfig // latest applied

	// Volatile state on leaders
	peers   map[ServerID]*peerState
	pending map[uint64]*Future

	// Candidate bookkeeping
	votes map[ServerID]bool

	// Follower side of an incoming snapshot transfer
	snapshotRecv *snapshotSync

	snapshotInProgress bool
	snapshotCapturing  bool
	removed            bool
	started            bool
	shutdown           bool

	electionTimer  Timer
	heartbeatTimer Timer
	electionGen    uint64
	heartbeatGen   uint64

	outbox []outgoing
	events []Event

	applyMu sync.Mutex // serializes delivery to the state machine
}

// New creates a server and restores its state from the stores. The server
// does nothing until Start is called.
func New(opts Options) (*Raft, error) {
	if opts.ID == 0 {
		return nil, errors.New("raft: server id must be non-zero")
	}
	if opts.LogStore == nil || opts.StateStore == nil || opts.StateMachine == nil || opts.Transport == nil {
		return nil, errors.New("raft: log store, state store, state machine and transport are required")
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewRealScheduler()
	}
	if opts.Logger == nil {
		opts.Logger = newLogger(opts.ID)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano() ^ int64(opts.ID)
	}

	rf := &Raft{
		id:        opts.ID,
		params:    opts.Params,
		logs:      opts.LogStore,
		stable:    opts.StateStore,
		sm:        opts.StateMachine,
		transport: opts.Transport,
		scheduler: opts.Scheduler,
		handler:   opts.EventHandler,
		logger:    opts.Logger,
		rng:       rand.New(rand.NewSource(seed)),
		role:      Follower,
		peers:     make(map[ServerID]*peerState),
		pending:   make(map[uint64]*Future),
	}

	if err := rf.restore(opts.Bootstrap); err != nil {
		return nil, err
	}
	return rf, nil
}

// restore loads persisted state after a crash or on first boot.
func (rf *Raft) restore(bootstrap *ClusterConfig) error {
	st, err := rf.stable.LoadState()
	if err != nil {
		return errors.Wrap(err, "load server state")
	}
	if st != nil {
		rf.term = st.Term
		rf.votedFor = st.VotedFor
		rf.commitIndex = st.CommitIndex
	}

	cfg, err := rf.stable.LoadConfig()
	if err != nil {
		return errors.Wrap(err, "load cluster config")
	}
	if cfg == nil {
		if bootstrap == nil {
			return errors.New("raft: no stored configuration and no bootstrap configuration")
		}
		cfg = bootstrap.Clone()
	}
	rf.committedConfig = cfg
	rf.config = cfg.Clone()

	if snap := rf.sm.LastSnapshot(); snap != nil {
		rf.lastApplied = snap.LastIndex
		if snap.Config != nil && snap.Config.LogIndex > rf.committedConfig.LogIndex {
			rf.committedConfig = snap.Config.Clone()
			rf.config = snap.Config.Clone()
		}
	}
	if start := rf.logs.StartIndex(); start > rf.lastApplied+1 {
		rf.logger.Warnw("log starts past the last snapshot, skipping unrecoverable prefix",
			"start", start, "lastApplied", rf.lastApplied)
		rf.lastApplied = start - 1
	}
	if rf.commitIndex < rf.lastApplied {
		rf.commitIndex = rf.lastApplied
	}
	if last := rf.logs.LastIndex(); rf.commitIndex > last {
		rf.commitIndex = last
	}

	// Config entries past the committed configuration are already in
	// effect: they took effect when they were appended.
	rf.reloadConfig()
	rf.removed = rf.config.Server(rf.id) == nil && rf.committedConfig.LogIndex > 0

	rf.logger.Infow("restored", "term", rf.term, "votedFor", rf.votedFor,
		"commit", rf.commitIndex, "applied", rf.lastApplied, "config", rf.config.String())
	return nil
}

// Start arms the election timer and replays committed entries that were
// not yet applied.
func (rf *Raft) Start() error {
	rf.mu.Lock()
	if rf.shutdown {
		rf.mu.Unlock()
		return ErrShutdown
	}
	if rf.started {
		rf.mu.Unlock()
		return nil
	}
	rf.started = true
	rf.resetElectionTimer()
	rf.unlockAndFlush()
	return nil
}

// Shutdown stops all timers and fails pending client calls. Inbound
// messages are ignored afterwards.
func (rf *Raft) Shutdown() {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.shutdown {
		return
	}
	rf.shutdown = true
	rf.stopElectionTimer()
	rf.stopHeartbeatTimer()
	rf.failPending(ErrShutdown)
	rf.outbox = nil
	rf.events = nil
	rf.logger.Infow("shut down", "term", rf.term)
}

// ID returns the server id.
func (rf *Raft) ID() ServerID {
	return rf.id
}

// State returns the current term and whether this server believes it is
// the leader.
func (rf *Raft) State() (uint64, bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.term, rf.role == Leader
}

// Role returns the current election role.
func (rf *Raft) Role() Role {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.role
}

// Term returns the current term.
func (rf *Raft) Term() uint64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.term
}

// LeaderID returns the last known leader, or 0.
func (rf *Raft) LeaderID() ServerID {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.leaderID
}

// CommitIndex returns the highest index known to be committed.
func (rf *Raft) CommitIndex() uint64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.commitIndex
}

// LastApplied returns the highest index delivered to the state machine.
func (rf *Raft) LastApplied() uint64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.lastApplied
}

// Config returns a copy of the configuration currently in effect.
func (rf *Raft) Config() *ClusterConfig {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.config.Clone()
}

// Params returns the current runtime parameters.
func (rf *Raft) Params() Params {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.params
}

// UpdateParams replaces the runtime parameters. Running timers keep their
// delay; the next arming uses the new values.
func (rf *Raft) UpdateParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.params = p
	rf.logger.Infow("parameters updated", "electionLower", p.ElectionTimeoutLower,
		"electionUpper", p.ElectionTimeoutUpper, "heartbeat", p.HeartbeatInterval,
		"batch", p.MaxAppendEntries, "snapshotDistance", p.SnapshotDistance)
	return nil
}

// PeerStatus is a leader's view of one peer.
type PeerStatus struct {
	ID          ServerID `json:"id"`
	Endpoint    string   `json:"endpoint"`
	Voting      bool     `json:"voting"`
	NextIndex   uint64   `json:"nextIndex"`
	MatchIndex  uint64   `json:"matchIndex"`
	InSnapshot  bool     `json:"inSnapshot"`
	LastContact string   `json:"lastContact,omitempty"`
}

// Status is a point-in-time view of a server for operators.
type Status struct {
	ID           ServerID       `json:"id"`
	Role         string         `json:"role"`
	Term         uint64         `json:"term"`
	LeaderID     ServerID       `json:"leaderId"`
	CommitIndex  uint64         `json:"commitIndex"`
	LastApplied  uint64         `json:"lastApplied"`
	StartIndex   uint64         `json:"startIndex"`
	LastLogIndex uint64         `json:"lastLogIndex"`
	Config       *ClusterConfig `json:"config"`
	Peers        []PeerStatus   `json:"peers,omitempty"`
}

// Status returns a snapshot of the server's state.
func (rf *Raft) Status() *Status {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	st := &Status{
		ID:           rf.id,
		Role:         rf.role.String(),
		Term:         rf.term,
		LeaderID:     rf.leaderID,
		CommitIndex:  rf.commitIndex,
		LastApplied:  rf.lastApplied,
		StartIndex:   rf.logs.StartIndex(),
		LastLogIndex: rf.logs.LastIndex(),
		Config:       rf.config.Clone(),
	}
	for _, s := range rf.config.Servers {
		p, ok := rf.peers[s.ID]
		if !ok {
			continue
		}
		ps := PeerStatus{
			ID:         p.id,
			Endpoint:   p.endpoint,
			Voting:     p.voting,
			NextIndex:  p.nextIndex,
			MatchIndex: p.matchIndex,
			InSnapshot: p.snapshot != nil,
		}
		if !p.lastResponse.IsZero() {
			ps.LastContact = time.Since(p.lastResponse).String()
		}
		st.Peers = append(st.Peers, ps)
	}
	return st
}

// HandleMessage processes an inbound request and returns the reply. It
// returns nil once the server is shut down.
func (rf *Raft) HandleMessage(req *Message) *Message {
	if req.Type == MsgInstallSnapshot {
		// Installing a snapshot moves lastApplied, so it must not race
		// with the apply path.
		rf.applyMu.Lock()
		rf.mu.Lock()
		resp := rf.dispatchRequest(req)
		out, evs := rf.takeQueued()
		rf.mu.Unlock()
		rf.applyMu.Unlock()
		rf.flush(out, evs)
		rf.applyCommitted()
		return resp
	}

	rf.mu.Lock()
	resp := rf.dispatchRequest(req)
	rf.unlockAndFlush()
	return resp
}

func (rf *Raft) dispatchRequest(req *Message) *Message {
	if rf.shutdown {
		return nil
	}
	if req.Term > rf.term {
		rf.logger.Debugw("higher term seen", "from", req.From, "term", req.Term, "type", req.Type)
		rf.becomeFollower(req.Term, 0)
	}

	switch req.Type {
	case MsgRequestVote:
		return rf.handleRequestVote(req)
	case MsgAppendEntries:
		return rf.handleAppendEntries(req)
	case MsgInstallSnapshot:
		return rf.handleInstallSnapshot(req)
	case MsgNotify:
		return rf.handleNotify(req)
	default:
		rf.logger.Warnw("unexpected message", "type", req.Type, "from", req.From)
		return nil
	}
}

// handleResponse is the done callback of every outgoing request.
func (rf *Raft) handleResponse(req *Message, resp *Message, err error) {
	rf.mu.Lock()
	if rf.shutdown {
		rf.mu.Unlock()
		return
	}

	if err != nil || resp == nil {
		if err == nil {
			err = ErrTimeout
		}
		rf.logger.Debugw("request failed", "to", req.To, "type", req.Type, "error", err)
		if p, ok := rf.peers[req.To]; ok {
			p.settle(req)
		}
		rf.unlockAndFlush()
		return
	}

	if resp.Term > rf.term {
		rf.logger.Infow("stepping down, peer has higher term", "peer", resp.From, "term", resp.Term)
		rf.becomeFollower(resp.Term, 0)
		rf.unlockAndFlush()
		return
	}

	switch resp.Type {
	case MsgRequestVoteReply:
		rf.handleVoteReply(req, resp)
	case MsgAppendEntriesReply:
		rf.handleAppendReply(req, resp)
	case MsgInstallSnapshotReply:
		rf.handleSnapshotReply(req, resp)
	case MsgNotifyReply:
		if p, ok := rf.peers[req.To]; ok && req.Term == rf.term && p.settle(req) {
			p.lastResponse = time.Now()
		}
	}
	rf.unlockAndFlush()
}

// send queues msg for delivery after the lock is released.
func (rf *Raft) send(to ServerID, endpoint string, msg *Message) {
	msg.From = rf.id
	msg.To = to
	msg.Term = rf.term
	rf.outbox = append(rf.outbox, outgoing{to: to, endpoint: endpoint, msg: msg})
}

func (rf *Raft) reply(req *Message, t MessageType) *Message {
	return &Message{Type: t, From: rf.id, To: req.From, Term: rf.term}
}

func (rf *Raft) raise(e Event) {
	rf.events = append(rf.events, e)
}

func (rf *Raft) takeQueued() ([]outgoing, []Event) {
	out, evs := rf.outbox, rf.events
	rf.outbox, rf.events = nil, nil
	return out, evs
}

// unlockAndFlush releases rf.mu, then sends queued messages, raises queued
// events and delivers newly committed entries.
func (rf *Raft) unlockAndFlush() {
	out, evs := rf.takeQueued()
	rf.mu.Unlock()
	rf.flush(out, evs)
	rf.applyCommitted()
}

func (rf *Raft) flush(out []outgoing, evs []Event) {
	for _, o := range out {
		msg := o.msg
		rf.transport.Send(o.to, o.endpoint, msg, func(resp *Message, err error) {
			rf.handleResponse(msg, resp, err)
		})
	}
	if rf.handler != nil {
		for _, e := range evs {
			rf.handler(e)
		}
	}
}

// persistState saves term, vote and commit index. Losing them would break
// election safety, so a failure is fatal.
func (rf *Raft) persistState() {
	st := &ServerState{Term: rf.term, VotedFor: rf.votedFor, CommitIndex: rf.commitIndex}
	if err := rf.stable.SaveState(st); err != nil {
		rf.logger.Errorw("cannot persist server state", "error", err)
		panic(errors.Wrap(err, "raft: persist server state"))
	}
}

// appendLocal appends entry to the local log and applies its immediate
// side effects.
func (rf *Raft) appendLocal(entry *LogEntry) uint64 {
	idx, err := rf.logs.Append(entry)
	if err != nil {
		rf.logger.Errorw("cannot append to log", "error", err)
		panic(errors.Wrap(err, "raft: append to log"))
	}
	switch entry.Type {
	case EntryApplication:
		rf.sm.PreCommit(idx, entry)
	case EntryConfig:
		cfg, err := DecodeConfig(entry.Payload)
		if err != nil {
			panic(errors.Wrapf(err, "raft: config entry %d", idx))
		}
		cfg.LogIndex = idx
		rf.setConfig(cfg)
	}
	return idx
}

// termAt returns the term at index, or false if the index is not in the
// log any more or not yet.
func (rf *Raft) termAt(index uint64) (uint64, bool) {
	t, err := rf.logs.TermAt(index)
	if err != nil {
		return 0, false
	}
	return t, true
}

func (rf *Raft) lastLogTerm() uint64 {
	t, _ := rf.termAt(rf.logs.LastIndex())
	return t
}

func (rf *Raft) failPending(err error) {
	for idx, f := range rf.pending {
		f.resolve(nil, err)
		delete(rf.pending, idx)
	}
}

func (rf *Raft) notLeaderError() error {
	e := &NotLeaderError{LeaderID: rf.leaderID}
	if s := rf.config.Server(rf.leaderID); s != nil {
		e.LeaderEndpoint = s.Endpoint
	}
	return e
}
