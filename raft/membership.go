package raft

import (
	"github.com/pkg/errors"
)

// setConfig puts cfg into effect. A configuration is used as soon as its
// entry is in the log, committed or not.
func (rf *Raft) setConfig(cfg *ClusterConfig) {
	prev := rf.config
	rf.config = cfg
	if cfg.Server(rf.id) != nil && rf.removed {
		rf.removed = false
		rf.resetElectionTimer()
	}
	if rf.role == Leader {
		rf.syncPeers()
	}
	rf.logger.Infow("configuration in effect", "logIndex", cfg.LogIndex, "config", cfg.String(),
		"previous", prev.String())
}

// reloadConfig recomputes the configuration in effect from the log: the
// newest config entry above the committed one, or the committed one.
func (rf *Raft) reloadConfig() {
	start := rf.logs.StartIndex()
	floor := rf.committedConfig.LogIndex
	for i := rf.logs.LastIndex(); i > floor && i >= start && i > 0; i-- {
		entry, err := rf.logs.EntryAt(i)
		if err != nil {
			break
		}
		if entry.Type != EntryConfig {
			continue
		}
		cfg, err := DecodeConfig(entry.Payload)
		if err != nil {
			rf.logger.Errorw("undecodable config entry", "index", i, "error", err)
			continue
		}
		cfg.LogIndex = i
		rf.setConfig(cfg)
		return
	}
	if rf.config == nil || rf.config.LogIndex != rf.committedConfig.LogIndex {
		rf.setConfig(rf.committedConfig.Clone())
	}
}

// configChangeInFlight reports whether an appended configuration has not
// been applied yet.
func (rf *Raft) configChangeInFlight() bool {
	return rf.config.LogIndex > rf.committedConfig.LogIndex
}

// commitConfig runs when a config entry is applied.
func (rf *Raft) commitConfig(index uint64, entry *LogEntry) {
	cfg, err := DecodeConfig(entry.Payload)
	if err != nil {
		rf.logger.Errorw("undecodable committed config entry", "index", index, "error", err)
		return
	}
	cfg.LogIndex = index
	prev := rf.committedConfig
	rf.committedConfig = cfg
	if err := rf.stable.SaveConfig(cfg); err != nil {
		rf.logger.Errorw("cannot persist configuration", "index", index, "error", err)
	}
	rf.logger.Infow("configuration committed", "logIndex", index, "config", cfg.String())
	rf.raise(ConfigChanged{Config: cfg.Clone()})

	if rf.role == Leader {
		for _, s := range prev.Servers {
			if s.ID == rf.id || cfg.Server(s.ID) != nil {
				continue
			}
			// Best effort; a removed server that misses this stops hearing
			// from the leader and stays out because nobody votes for it.
			rf.send(s.ID, s.Endpoint, &Message{
				Type: MsgNotify,
				Notify: &NotifyArgs{
					Kind:     NotifyLeaveCluster,
					LeaderID: rf.id,
				},
			})
		}
	}
	if cfg.Server(rf.id) == nil {
		rf.leaveCluster()
	}
}

// leaveCluster stops this server from taking part in elections.
func (rf *Raft) leaveCluster() {
	if rf.removed {
		return
	}
	rf.removed = true
	rf.stopElectionTimer()
	if rf.role == Leader {
		rf.stopHeartbeatTimer()
		rf.role = Follower
		rf.leaderID = 0
		rf.peers = make(map[ServerID]*peerState)
		rf.failPending(ErrNotLeader)
	}
	rf.logger.Infow("removed from cluster", "term", rf.term)
	rf.raise(RemovedFromCluster{ID: rf.id})
}

// AddServer appends a configuration that adds s. The new server starts
// receiving entries immediately and counts towards quorums as soon as the
// entry is appended.
func (rf *Raft) AddServer(s ServerConfig) (*Future, error) {
	rf.mu.Lock()
	if err := rf.checkConfigChange(); err != nil {
		rf.mu.Unlock()
		return nil, err
	}
	if s.ID == 0 {
		rf.mu.Unlock()
		return nil, errors.Wrap(ErrInvalidMembershipChange, "server id must be non-zero")
	}
	if rf.config.Server(s.ID) != nil {
		rf.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidMembershipChange, "server %d is already a member", s.ID)
	}
	next := rf.config.Clone()
	next.Servers = append(next.Servers, s)
	f := rf.appendConfig(next)
	rf.unlockAndFlush()
	return f, nil
}

// RemoveServer appends a configuration without the server id. The leader
// cannot remove itself.
func (rf *Raft) RemoveServer(id ServerID) (*Future, error) {
	rf.mu.Lock()
	if err := rf.checkConfigChange(); err != nil {
		rf.mu.Unlock()
		return nil, err
	}
	if rf.config.Server(id) == nil {
		rf.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidMembershipChange, "server %d is not a member", id)
	}
	if id == rf.id {
		rf.mu.Unlock()
		return nil, errors.Wrap(ErrInvalidMembershipChange, "leader cannot remove itself")
	}
	next := rf.config.Clone()
	servers := next.Servers[:0]
	for _, s := range next.Servers {
		if s.ID != id {
			servers = append(servers, s)
		}
	}
	next.Servers = servers
	if next.Voters() == 0 {
		rf.mu.Unlock()
		return nil, errors.Wrap(ErrInvalidMembershipChange, "no voting member would remain")
	}
	f := rf.appendConfig(next)
	rf.unlockAndFlush()
	return f, nil
}

func (rf *Raft) checkConfigChange() error {
	if rf.shutdown {
		return ErrShutdown
	}
	if rf.role != Leader {
		return rf.notLeaderError()
	}
	if rf.configChangeInFlight() {
		return errors.Wrapf(ErrConfigChangeInProgress, "config at %d not yet committed (commit %d)",
			rf.config.LogIndex, rf.commitIndex)
	}
	return nil
}

// appendConfig appends next as a config entry and returns its future.
func (rf *Raft) appendConfig(next *ClusterConfig) *Future {
	next.PrevLogIndex = rf.config.LogIndex
	next.LogIndex = rf.logs.LastIndex() + 1
	payload, err := EncodeConfig(next)
	if err != nil {
		panic(errors.Wrap(err, "raft: encode config"))
	}
	idx := rf.appendLocal(&LogEntry{Term: rf.term, Type: EntryConfig, Payload: payload})
	f := newFuture(idx, rf.term)
	rf.pending[idx] = f
	rf.logger.Infow("membership change appended", "index", idx, "config", next.String())

	rf.updateCommitIndex()
	rf.broadcast()
	return f
}
