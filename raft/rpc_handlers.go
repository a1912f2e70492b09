package raft

import (
	"fmt"
)

//
// AppendEntries RPC handler. Handles heartbeats and log replication for
// followers.
//
// To speed up log replication, instead of the leader decreasing nextIndex
// one step at a time, a follower rejecting a request reports where the
// conflict starts:
//
// 1. If the follower does not have prevLogIndex in its log, it returns
//    conflictIndex = lastIndex+1 and no conflictTerm.
//
// 2. If the follower has prevLogIndex but the term does not match, it
//    returns conflictTerm = term at prevLogIndex and conflictIndex = the
//    first index it stores with that term.
//
// The leader then skips to the end of conflictTerm in its own log, or to
// conflictIndex when it has no entry of that term.
//
func (rf *Raft) handleAppendEntries(req *Message) *Message {
	args := req.AppendEntries
	resp := rf.reply(req, MsgAppendEntriesReply)
	r := &AppendEntriesReply{}
	resp.AppendEntriesReply = r

	if req.Term < rf.term {
		return resp
	}
	if rf.removed && rf.config.Server(rf.id) != nil {
		// Re-added after an earlier removal.
		rf.removed = false
	}
	rf.acceptLeader(req, args.LeaderID)

	prev, prevTerm := args.PrevLogIndex, args.PrevLogTerm
	entries := args.Entries

	// Everything up to the snapshot boundary is committed here, so it
	// matches whatever the leader holds.
	start := rf.logs.StartIndex()
	if prev+1 < start {
		skip := start - 1 - prev
		if skip >= uint64(len(entries)) {
			r.Success = true
			r.MatchIndex = prev + uint64(len(entries))
			return resp
		}
		prevTerm = entries[skip-1].Term
		entries = entries[skip:]
		prev = start - 1
	}

	last := rf.logs.LastIndex()
	if prev > last {
		r.ConflictIndex = last + 1
		return resp
	}
	localTerm, ok := rf.termAt(prev)
	if !ok {
		// Compacted concurrently; the entry is committed and matches.
		localTerm = prevTerm
	}
	if localTerm != prevTerm {
		r.ConflictTerm = localTerm
		r.ConflictIndex = prev
		for i := prev - 1; i >= start && i > 0; i-- {
			t, ok := rf.termAt(i)
			if !ok || t != localTerm {
				break
			}
			r.ConflictIndex = i
		}
		return resp
	}

	// prev matches. Skip entries already present, cut the local suffix at
	// the first one whose term differs, append the rest.
	i := 0
	idx := prev + 1
	for ; i < len(entries); i, idx = i+1, idx+1 {
		if idx > rf.logs.LastIndex() {
			break
		}
		t, ok := rf.termAt(idx)
		if ok && t == entries[i].Term {
			continue
		}
		if !ok && idx <= rf.commitIndex {
			// Compacted behind a snapshot since start was read. Committed
			// entries match the leader's.
			continue
		}
		rf.truncateSuffix(idx)
		break
	}
	for ; i < len(entries); i++ {
		rf.appendLocal(entries[i])
	}

	lastNew := args.PrevLogIndex + uint64(len(args.Entries))
	if args.LeaderCommit > rf.commitIndex {
		newCommit := minUint64(args.LeaderCommit, lastNew)
		if newCommit > rf.commitIndex {
			rf.commitIndex = newCommit
			rf.persistState()
		}
	}

	r.Success = true
	r.MatchIndex = lastNew
	return resp
}

// truncateSuffix discards the uncommitted entries from index onwards and
// reports each of them to the state machine, highest index first.
func (rf *Raft) truncateSuffix(index uint64) {
	if index <= rf.commitIndex {
		// Election safety and log matching make this unreachable.
		panic(fmt.Sprintf("raft: server %d asked to discard committed index %d (commit %d)",
			rf.id, index, rf.commitIndex))
	}
	last := rf.logs.LastIndex()
	discarded := make([]uint64, 0, last-index+1)
	for i := last; i >= index; i-- {
		entry, err := rf.logs.EntryAt(i)
		if err != nil {
			panic(fmt.Sprintf("raft: read entry %d for rollback: %v", i, err))
		}
		rf.sm.Rollback(i, entry)
		discarded = append(discarded, i)
	}
	if err := rf.logs.TruncateFrom(index); err != nil {
		panic(fmt.Sprintf("raft: truncate log from %d: %v", index, err))
	}
	rf.logger.Infow("discarded uncommitted entries", "from", index, "to", last, "count", len(discarded))
	rf.raise(Rollback{Indexes: discarded})

	if rf.config.LogIndex >= index {
		rf.reloadConfig()
	}
}

// handleNotify processes leader notifications that carry no log data.
func (rf *Raft) handleNotify(req *Message) *Message {
	args := req.Notify
	resp := rf.reply(req, MsgNotifyReply)
	if req.Term < rf.term {
		return resp
	}

	switch args.Kind {
	case NotifyOutOfLogRange:
		rf.acceptLeader(req, args.LeaderID)
		rf.logger.Warnw("leader no longer holds the entries this server needs",
			"leader", args.LeaderID, "leaderStartIndex", args.LeaderStartIndex,
			"lastLogIndex", rf.logs.LastIndex())
		rf.raise(OutOfLogRange{PeerID: rf.id, LeaderStartIndex: args.LeaderStartIndex})
	case NotifyLeaveCluster:
		rf.leaveCluster()
	}
	return resp
}
