package raft

// Event is a notification raised by the core. The set of variants is
// closed; switch on the concrete type.
type Event interface {
	isEvent()
}

// EventHandler receives every Event of one server. It runs on the goroutine
// that caused the event, outside the core lock, and must return quickly.
type EventHandler func(Event)

// BecameLeader is raised when the server wins an election.
type BecameLeader struct {
	ID   ServerID
	Term uint64
}

// BecameFollower is raised when the server steps down or learns of a new
// leader.
type BecameFollower struct {
	ID       ServerID
	Term     uint64
	LeaderID ServerID
}

// ConfigChanged is raised when a configuration entry is committed and
// applied, or installed from a snapshot.
type ConfigChanged struct {
	Config *ClusterConfig
}

// OutOfLogRange is raised when a follower needs entries the leader no
// longer holds and no snapshot covers them. It is raised on the leader and
// on the follower that was notified.
type OutOfLogRange struct {
	PeerID           ServerID
	LeaderStartIndex uint64
}

// SnapshotStart is raised before the state machine is asked for a snapshot.
type SnapshotStart struct {
	Meta *SnapshotMeta
}

// SnapshotEnd is raised when snapshot creation and compaction finished.
type SnapshotEnd struct {
	Meta *SnapshotMeta
	Err  error
}

// RemovedFromCluster is raised on a server that learns it is no longer a
// member.
type RemovedFromCluster struct {
	ID ServerID
}

// Rollback is raised after uncommitted entries were discarded. Indexes are
// listed highest first.
type Rollback struct {
	Indexes []uint64
}

func (BecameLeader) isEvent()       {}
func (BecameFollower) isEvent()     {}
func (ConfigChanged) isEvent()      {}
func (OutOfLogRange) isEvent()      {}
func (SnapshotStart) isEvent()      {}
func (SnapshotEnd) isEvent()        {}
func (RemovedFromCluster) isEvent() {}
func (Rollback) isEvent()           {}
