package raft

import (
	"time"
)

// snapshotSync tracks one snapshot transfer, on the sending or receiving
// side.
type snapshotSync struct {
	meta   *SnapshotMeta
	offset uint64
}

// maybeStartSnapshot decides, after index was applied, whether a new
// snapshot is due. It returns the snapshot to create, or nil.
func (rf *Raft) maybeStartSnapshot(index, term uint64) *SnapshotMeta {
	distance := rf.params.SnapshotDistance
	if distance == 0 || rf.snapshotInProgress {
		return nil
	}
	var last uint64
	if s := rf.sm.LastSnapshot(); s != nil {
		last = s.LastIndex
	}
	if index < last || index-last < distance {
		return nil
	}
	rf.snapshotInProgress = true
	meta := &SnapshotMeta{
		LastIndex: index,
		LastTerm:  term,
		Config:    rf.committedConfig.Clone(),
	}
	rf.logger.Infow("creating snapshot", "lastIndex", index, "lastTerm", term, "previous", last)
	rf.raise(SnapshotStart{Meta: meta})
	return meta
}

// createSnapshot asks the state machine for a snapshot. The caller holds
// applyMu, so the state cannot move past meta.LastIndex while it is
// captured. The state machine may finish persisting on another goroutine.
func (rf *Raft) createSnapshot(meta *SnapshotMeta) {
	rf.mu.Lock()
	rf.snapshotCapturing = true
	rf.mu.Unlock()

	rf.sm.CreateSnapshot(meta, func(err error) {
		rf.onSnapshotCreated(meta, err)
	})

	rf.mu.Lock()
	rf.snapshotCapturing = false
	rf.mu.Unlock()
}

// onSnapshotCreated compacts the log behind a durable snapshot. The
// compaction itself runs off the core lock.
func (rf *Raft) onSnapshotCreated(meta *SnapshotMeta, err error) {
	var compactErr error
	if err != nil {
		rf.logger.Errorw("snapshot creation failed", "lastIndex", meta.LastIndex, "error", err)
		compactErr = err
	} else {
		rf.mu.Lock()
		reserved := rf.params.ReservedLogItems
		rf.mu.Unlock()

		if meta.LastIndex > reserved {
			upto := meta.LastIndex - reserved
			began := time.Now()
			compactErr = rf.logs.Compact(upto)
			rf.logger.Infow("log compacted", "upto", upto, "took", time.Since(began), "error", compactErr)
		}
	}

	rf.mu.Lock()
	rf.snapshotInProgress = false
	rf.raise(SnapshotEnd{Meta: meta, Err: compactErr})
	if rf.snapshotCapturing {
		// Called back synchronously from the apply path, which flushes.
		rf.mu.Unlock()
		return
	}
	out, evs := rf.takeQueued()
	rf.mu.Unlock()
	rf.flush(out, evs)
}

// catchUpFromSnapshot handles a peer whose nextIndex fell below the first
// entry the leader still holds.
func (rf *Raft) catchUpFromSnapshot(p *peerState) {
	start := rf.logs.StartIndex()
	snap := rf.sm.LastSnapshot()
	if snap != nil && snap.LastIndex+1 >= start {
		rf.logger.Infow("peer is behind the log, sending snapshot",
			"peer", p.id, "nextIndex", p.nextIndex, "startIndex", start, "snapshot", snap.LastIndex)
		p.snapshot = &snapshotSync{meta: snap}
		rf.sendSnapshotChunk(p)
		return
	}

	rf.logger.Warnw("peer needs entries no longer in the log and no snapshot covers them",
		"peer", p.id, "nextIndex", p.nextIndex, "startIndex", start)
	rf.raise(OutOfLogRange{PeerID: p.id, LeaderStartIndex: start})
	rf.sendToPeer(p, &Message{
		Type: MsgNotify,
		Notify: &NotifyArgs{
			Kind:             NotifyOutOfLogRange,
			LeaderID:         rf.id,
			LeaderStartIndex: start,
		},
	})
}

func (rf *Raft) sendSnapshotChunk(p *peerState) {
	s := p.snapshot
	data, done, err := rf.sm.ReadSnapshotChunk(s.meta, s.offset, rf.params.SnapshotChunkSize)
	if err != nil {
		// The snapshot may have been replaced; start over on the next cycle.
		rf.logger.Warnw("cannot read snapshot chunk", "peer", p.id, "snapshot", s.meta.LastIndex,
			"offset", s.offset, "error", err)
		p.snapshot = nil
		return
	}
	rf.sendToPeer(p, &Message{
		Type: MsgInstallSnapshot,
		InstallSnapshot: &InstallSnapshotArgs{
			LeaderID: rf.id,
			Meta:     s.meta,
			Offset:   s.offset,
			Data:     data,
			Done:     done,
		},
	})
}

func (rf *Raft) handleSnapshotReply(req *Message, resp *Message) {
	p, ok := rf.peers[resp.From]
	if !ok || rf.role != Leader || req.Term != rf.term || !p.settle(req) {
		return
	}
	p.lastResponse = time.Now()

	args, r := req.InstallSnapshot, resp.InstallSnapshotReply
	s := p.snapshot
	if s == nil || s.meta.LastIndex != args.Meta.LastIndex {
		return
	}
	if !r.Success {
		s.offset = r.NextOffset
		rf.replicateTo(p)
		return
	}
	if !args.Done {
		s.offset = r.NextOffset
		rf.replicateTo(p)
		return
	}

	p.snapshot = nil
	if args.Meta.LastIndex > p.matchIndex {
		p.matchIndex = args.Meta.LastIndex
	}
	p.nextIndex = p.matchIndex + 1
	rf.logger.Infow("snapshot installed on peer", "peer", p.id, "matchIndex", p.matchIndex)
	rf.updateCommitIndex()
	rf.replicateTo(p)
}

// handleInstallSnapshot receives one chunk of a snapshot. The caller holds
// applyMu as well as rf.mu.
func (rf *Raft) handleInstallSnapshot(req *Message) *Message {
	args := req.InstallSnapshot
	resp := rf.reply(req, MsgInstallSnapshotReply)
	r := &InstallSnapshotReply{}
	resp.InstallSnapshotReply = r

	if req.Term < rf.term {
		return resp
	}
	rf.acceptLeader(req, args.LeaderID)

	meta := args.Meta
	if meta.LastIndex <= rf.commitIndex {
		// Everything in it is committed here already.
		rf.snapshotRecv = nil
		r.Success = true
		r.NextOffset = args.Offset + uint64(len(args.Data))
		return resp
	}

	recv := rf.snapshotRecv
	if args.Offset == 0 {
		recv = &snapshotSync{meta: meta}
		rf.snapshotRecv = recv
		rf.logger.Infow("receiving snapshot", "leader", args.LeaderID, "lastIndex", meta.LastIndex,
			"lastTerm", meta.LastTerm)
	}
	if recv == nil || recv.meta.LastIndex != meta.LastIndex || recv.meta.LastTerm != meta.LastTerm ||
		recv.offset != args.Offset {
		if recv != nil && recv.meta.LastIndex == meta.LastIndex {
			r.NextOffset = recv.offset
		}
		return resp
	}

	if err := rf.sm.SaveSnapshotChunk(meta, args.Offset, args.Data, args.Done); err != nil {
		rf.logger.Errorw("cannot save snapshot chunk", "offset", args.Offset, "error", err)
		rf.snapshotRecv = nil
		return resp
	}
	recv.offset += uint64(len(args.Data))

	if args.Done {
		if err := rf.installSnapshot(meta); err != nil {
			rf.logger.Errorw("cannot install snapshot", "lastIndex", meta.LastIndex, "error", err)
			rf.snapshotRecv = nil
			return resp
		}
		rf.snapshotRecv = nil
	}

	r.Success = true
	r.NextOffset = recv.offset
	return resp
}

// installSnapshot replaces state machine, log prefix and configuration with
// a fully received snapshot.
func (rf *Raft) installSnapshot(meta *SnapshotMeta) error {
	if err := rf.sm.ApplySnapshot(meta); err != nil {
		return err
	}
	if meta.LastIndex < rf.logs.LastIndex() {
		if t, ok := rf.termAt(meta.LastIndex); !ok || t != meta.LastTerm {
			// The local suffix diverges from the snapshot; it is uncommitted.
			rf.truncateSuffix(rf.commitIndex + 1)
		}
	}
	if err := rf.logs.InstallSnapshot(meta); err != nil {
		return err
	}

	rf.commitIndex = maxUint64(rf.commitIndex, meta.LastIndex)
	rf.lastApplied = meta.LastIndex
	rf.persistState()

	if meta.Config != nil {
		rf.committedConfig = meta.Config.Clone()
		if err := rf.stable.SaveConfig(rf.committedConfig); err != nil {
			rf.logger.Errorw("cannot persist configuration", "error", err)
		}
		rf.reloadConfig()
		rf.raise(ConfigChanged{Config: rf.committedConfig.Clone()})
	}
	rf.logger.Infow("snapshot installed", "lastIndex", meta.LastIndex, "lastTerm", meta.LastTerm,
		"config", rf.config.String())
	return nil
}
