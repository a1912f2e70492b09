package raft

// applyCommitted delivers committed entries to the state machine in index
// order. applyMu makes the delivery single-threaded; rf.mu is released
// while the state machine runs so it cannot stall timers or RPCs.
func (rf *Raft) applyCommitted() {
	var (
		out []outgoing
		evs []Event
	)

	rf.applyMu.Lock()
	for {
		rf.mu.Lock()
		if rf.shutdown || rf.lastApplied >= rf.commitIndex {
			o, e := rf.takeQueued()
			out, evs = append(out, o...), append(evs, e...)
			rf.mu.Unlock()
			break
		}
		idx := rf.lastApplied + 1
		entry, err := rf.logs.EntryAt(idx)
		rf.mu.Unlock()
		if err != nil {
			rf.logger.Errorw("committed entry unavailable", "index", idx, "error", err)
			break
		}

		var (
			result   []byte
			applyErr error
		)
		if entry.Type == EntryApplication {
			result, applyErr = rf.sm.Apply(idx, entry)
		}

		rf.mu.Lock()
		rf.lastApplied = idx
		if entry.Type == EntryConfig {
			rf.commitConfig(idx, entry)
		}
		if f, ok := rf.pending[idx]; ok {
			delete(rf.pending, idx)
			if f.term == entry.Term {
				f.resolve(result, applyErr)
			} else {
				f.resolve(nil, rf.notLeaderError())
			}
		}
		snap := rf.maybeStartSnapshot(idx, entry.Term)
		rf.mu.Unlock()

		if snap != nil {
			// Nothing past idx is applied until the state machine has
			// captured its state.
			rf.createSnapshot(snap)
		}
	}
	rf.applyMu.Unlock()

	rf.flush(out, evs)
}
