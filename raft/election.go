package raft

import (
	"time"
)

func (rf *Raft) randomElectionTimeout() time.Duration {
	lower, upper := rf.params.ElectionTimeoutLower, rf.params.ElectionTimeoutUpper
	if upper <= lower {
		return lower
	}
	return lower + time.Duration(rf.rng.Int63n(int64(upper-lower)+1))
}

func (rf *Raft) resetElectionTimer() {
	rf.stopElectionTimer()
	if rf.removed || rf.shutdown || !rf.started {
		return
	}
	rf.electionGen++
	gen := rf.electionGen
	rf.electionTimer = rf.scheduler.Schedule(ElectionTimer, rf.randomElectionTimeout(), func() {
		rf.onTimer(ElectionTimer, gen)
	})
}

func (rf *Raft) stopElectionTimer() {
	if rf.electionTimer != nil {
		rf.electionTimer.Stop()
		rf.electionTimer = nil
	}
	rf.electionGen++
}

func (rf *Raft) resetHeartbeatTimer() {
	rf.stopHeartbeatTimer()
	if rf.shutdown || !rf.started {
		return
	}
	rf.heartbeatGen++
	gen := rf.heartbeatGen
	rf.heartbeatTimer = rf.scheduler.Schedule(HeartbeatTimer, rf.params.HeartbeatInterval, func() {
		rf.onTimer(HeartbeatTimer, gen)
	})
}

func (rf *Raft) stopHeartbeatTimer() {
	if rf.heartbeatTimer != nil {
		rf.heartbeatTimer.Stop()
		rf.heartbeatTimer = nil
	}
	rf.heartbeatGen++
}

// onTimer is the entry point of every timer firing. A firing whose
// generation is stale belongs to a timer that was cancelled or re-armed.
func (rf *Raft) onTimer(kind TimerKind, gen uint64) {
	rf.mu.Lock()
	if rf.shutdown {
		rf.mu.Unlock()
		return
	}
	switch kind {
	case ElectionTimer:
		if gen == rf.electionGen {
			rf.electionTimer = nil
			rf.handleElectionTimeout()
		}
	case HeartbeatTimer:
		if gen == rf.heartbeatGen {
			rf.heartbeatTimer = nil
			rf.handleHeartbeatTimeout()
		}
	}
	rf.unlockAndFlush()
}

func (rf *Raft) handleElectionTimeout() {
	if rf.role == Leader {
		return
	}
	if !rf.config.IsVoter(rf.id) {
		rf.logger.Debugw("not a voting member, staying follower", "config", rf.config.String())
		rf.resetElectionTimer()
		return
	}
	rf.startElection()
}

// startElection turns this server into a candidate for the next term.
func (rf *Raft) startElection() {
	rf.role = Candidate
	rf.term++
	rf.votedFor = rf.id
	rf.leaderID = 0
	rf.persistState()

	rf.votes = map[ServerID]bool{rf.id: true}
	rf.resetElectionTimer()

	lastIndex := rf.logs.LastIndex()
	lastTerm := rf.lastLogTerm()
	rf.logger.Infow("starting election", "term", rf.term, "lastLogIndex", lastIndex, "lastLogTerm", lastTerm)

	if rf.countVotes() >= rf.config.Quorum() {
		rf.becomeLeader()
		return
	}

	for _, s := range rf.config.Servers {
		if s.ID == rf.id || !s.Voting {
			continue
		}
		rf.send(s.ID, s.Endpoint, &Message{
			Type: MsgRequestVote,
			RequestVote: &RequestVoteArgs{
				CandidateID:  rf.id,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
			},
		})
	}
}

func (rf *Raft) countVotes() int {
	n := 0
	for id, granted := range rf.votes {
		if granted && rf.config.IsVoter(id) {
			n++
		}
	}
	return n
}

// handleRequestVote decides whether to grant a vote. The vote is persisted
// before the reply leaves.
func (rf *Raft) handleRequestVote(req *Message) *Message {
	args := req.RequestVote
	resp := rf.reply(req, MsgRequestVoteReply)
	resp.RequestVoteReply = &RequestVoteReply{}

	if req.Term < rf.term {
		return resp
	}

	lastIndex := rf.logs.LastIndex()
	lastTerm := rf.lastLogTerm()
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	if (rf.votedFor == 0 || rf.votedFor == args.CandidateID) && upToDate {
		rf.votedFor = args.CandidateID
		rf.persistState()
		rf.resetElectionTimer()
		resp.RequestVoteReply.VoteGranted = true
		rf.logger.Debugw("vote granted", "candidate", args.CandidateID, "term", rf.term)
	} else {
		rf.logger.Debugw("vote denied", "candidate", args.CandidateID, "term", rf.term,
			"votedFor", rf.votedFor, "upToDate", upToDate)
	}
	return resp
}

func (rf *Raft) handleVoteReply(req *Message, resp *Message) {
	// May receive replies from an earlier election.
	if rf.role != Candidate || req.Term != rf.term {
		return
	}
	if !resp.RequestVoteReply.VoteGranted {
		return
	}
	rf.votes[resp.From] = true
	if rf.countVotes() >= rf.config.Quorum() {
		rf.becomeLeader()
	}
}

// becomeLeader initializes leader state and appends the no-op entry that
// lets entries of earlier terms commit.
func (rf *Raft) becomeLeader() {
	rf.role = Leader
	rf.leaderID = rf.id
	rf.votes = nil
	rf.stopElectionTimer()

	rf.peers = make(map[ServerID]*peerState)
	rf.syncPeers()

	rf.appendLocal(&LogEntry{Term: rf.term, Type: EntryNoOp})
	rf.logger.Infow("became leader", "term", rf.term, "lastLogIndex", rf.logs.LastIndex())
	rf.raise(BecameLeader{ID: rf.id, Term: rf.term})

	rf.updateCommitIndex()
	rf.broadcast()
	rf.resetHeartbeatTimer()
}

// becomeFollower steps down to follower. A higher term clears the vote.
func (rf *Raft) becomeFollower(term uint64, leader ServerID) {
	prevRole, prevLeader := rf.role, rf.leaderID
	if term > rf.term {
		rf.term = term
		rf.votedFor = 0
		rf.leaderID = 0
		rf.persistState()
	}
	if prevRole == Leader {
		rf.leaderID = 0
	}
	if leader != 0 {
		rf.leaderID = leader
	}
	rf.role = Follower
	rf.votes = nil

	if prevRole == Leader {
		rf.stopHeartbeatTimer()
		rf.peers = make(map[ServerID]*peerState)
		rf.failPending(rf.notLeaderError())
		rf.logger.Infow("stepped down", "term", rf.term)
	}
	rf.resetElectionTimer()

	if prevRole != Follower || (leader != 0 && leader != prevLeader) {
		rf.raise(BecameFollower{ID: rf.id, Term: rf.term, LeaderID: rf.leaderID})
	}
}

// acceptLeader is called for every valid message from the current leader.
func (rf *Raft) acceptLeader(req *Message, leader ServerID) {
	if rf.role != Follower || rf.leaderID != leader {
		rf.becomeFollower(req.Term, leader)
		return
	}
	rf.resetElectionTimer()
}
