package raft

import (
	"sort"
	"time"
)

// peerState is the leader's replication cursor for one peer.
type peerState struct {
	id       ServerID
	endpoint string
	voting   bool

	nextIndex  uint64 // next log entry to send
	matchIndex uint64 // highest entry known to be replicated

	inflight     *Message      // the outstanding request, if any
	snapshot     *snapshotSync // set while the peer is catching up from a snapshot
	lastResponse time.Time
}

// settle clears the outstanding request if req is it. Replies to any
// other request are stale or duplicated and must be ignored.
func (p *peerState) settle(req *Message) bool {
	if p.inflight != req {
		return false
	}
	p.inflight = nil
	return true
}

// sendToPeer queues msg as the peer's one outstanding request.
func (rf *Raft) sendToPeer(p *peerState, msg *Message) {
	p.inflight = msg
	rf.send(p.id, p.endpoint, msg)
}

// syncPeers makes the peer set match the configuration in effect. Peers
// that left are dropped, new ones start at the end of the log.
func (rf *Raft) syncPeers() {
	next := rf.logs.LastIndex() + 1
	seen := make(map[ServerID]bool, len(rf.config.Servers))
	for _, s := range rf.config.Servers {
		if s.ID == rf.id {
			continue
		}
		seen[s.ID] = true
		if p, ok := rf.peers[s.ID]; ok {
			p.endpoint = s.Endpoint
			p.voting = s.Voting
			continue
		}
		rf.peers[s.ID] = &peerState{
			id:        s.ID,
			endpoint:  s.Endpoint,
			voting:    s.Voting,
			nextIndex: next,
		}
	}
	for id := range rf.peers {
		if !seen[id] {
			rf.logger.Infow("dropping peer", "peer", id)
			delete(rf.peers, id)
		}
	}
}

// broadcast sends AppendEntries (or the next snapshot chunk) to every idle
// peer.
func (rf *Raft) broadcast() {
	for _, s := range rf.config.Servers {
		if p, ok := rf.peers[s.ID]; ok {
			rf.replicateTo(p)
		}
	}
}

func (rf *Raft) handleHeartbeatTimeout() {
	if rf.role != Leader {
		return
	}
	rf.broadcast()
	rf.resetHeartbeatTimer()
}

// replicateTo sends the next batch of entries the peer is missing. An empty
// batch is a heartbeat.
func (rf *Raft) replicateTo(p *peerState) {
	if rf.role != Leader || p.inflight != nil {
		return
	}
	if p.snapshot != nil {
		rf.sendSnapshotChunk(p)
		return
	}

	last := rf.logs.LastIndex()
	if p.nextIndex > last+1 {
		p.nextIndex = last + 1
	}
	if p.nextIndex < 1 {
		p.nextIndex = 1
	}

	prev := p.nextIndex - 1
	prevTerm, ok := rf.termAt(prev)
	if !ok || p.nextIndex < rf.logs.StartIndex() {
		rf.catchUpFromSnapshot(p)
		return
	}

	to := minUint64(last+1, p.nextIndex+uint64(rf.params.MaxAppendEntries))
	entries, err := rf.logs.Entries(p.nextIndex, to)
	if err != nil {
		// Compacted underneath us; the next cycle takes the snapshot path.
		rf.logger.Debugw("entries unavailable", "peer", p.id, "from", p.nextIndex, "error", err)
		return
	}

	rf.sendToPeer(p, &Message{
		Type: MsgAppendEntries,
		AppendEntries: &AppendEntriesArgs{
			LeaderID:     rf.id,
			PrevLogIndex: prev,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: rf.commitIndex,
		},
	})
}

func (rf *Raft) handleAppendReply(req *Message, resp *Message) {
	p, ok := rf.peers[resp.From]
	if !ok || rf.role != Leader || req.Term != rf.term || !p.settle(req) {
		return
	}
	p.lastResponse = time.Now()

	args, r := req.AppendEntries, resp.AppendEntriesReply
	if r.Success {
		if r.MatchIndex > p.matchIndex {
			p.matchIndex = r.MatchIndex
		}
		p.nextIndex = p.matchIndex + 1
		rf.updateCommitIndex()
		if p.nextIndex <= rf.logs.LastIndex() {
			rf.replicateTo(p)
		}
		return
	}

	next := r.ConflictIndex
	if r.ConflictTerm != 0 {
		// Skip past the leader's own entries of the conflicting term, if any.
		start := rf.logs.StartIndex()
		for i := minUint64(args.PrevLogIndex, rf.logs.LastIndex()); i >= start && i > 0; i-- {
			t, ok := rf.termAt(i)
			if !ok || t < r.ConflictTerm {
				break
			}
			if t == r.ConflictTerm {
				next = i + 1
				break
			}
		}
	}
	// Always move backwards, never below what is known to match.
	if next > args.PrevLogIndex {
		next = args.PrevLogIndex
	}
	if next <= p.matchIndex {
		next = p.matchIndex + 1
	}
	if next < 1 {
		next = 1
	}
	rf.logger.Debugw("append rejected, retreating", "peer", p.id, "prevLogIndex", args.PrevLogIndex,
		"conflictTerm", r.ConflictTerm, "conflictIndex", r.ConflictIndex, "nextIndex", next)
	p.nextIndex = next
	rf.replicateTo(p)
}

// updateCommitIndex advances the commit index to the highest index stored
// on a quorum of voting members, but only through an entry of the current
// term. Earlier entries commit along with it.
func (rf *Raft) updateCommitIndex() {
	if rf.role != Leader {
		return
	}
	matches := make([]uint64, 0, len(rf.config.Servers))
	for _, s := range rf.config.Servers {
		if !s.Voting {
			continue
		}
		if s.ID == rf.id {
			matches = append(matches, rf.logs.LastIndex())
			continue
		}
		if p, ok := rf.peers[s.ID]; ok {
			matches = append(matches, p.matchIndex)
		} else {
			matches = append(matches, 0)
		}
	}
	quorum := rf.config.Quorum()
	if len(matches) < quorum {
		return
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	n := matches[quorum-1]
	if n <= rf.commitIndex {
		return
	}
	if t, ok := rf.termAt(n); !ok || t != rf.term {
		return
	}
	rf.logger.Debugw("commit index advanced", "from", rf.commitIndex, "to", n)
	rf.commitIndex = n
	rf.persistState()

	// Let followers learn the new commit index without waiting for the
	// next heartbeat.
	rf.broadcast()
}

// hasQuorumContact reports whether a quorum of voters answered recently.
func (rf *Raft) hasQuorumContact() bool {
	window := rf.params.ElectionTimeoutUpper
	n := 0
	for _, s := range rf.config.Servers {
		if !s.Voting {
			continue
		}
		if s.ID == rf.id {
			n++
			continue
		}
		if p, ok := rf.peers[s.ID]; ok && !p.lastResponse.IsZero() && time.Since(p.lastResponse) <= window {
			n++
		}
	}
	return n >= rf.config.Quorum()
}
