package raft

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotLeader is returned when a client call reaches a non-leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrTimeout is returned when a request was not answered in time.
	ErrTimeout = errors.New("raft: operation timed out")

	// ErrQuorumUnavailable is returned to blocked callers when the leader
	// cannot reach a majority of the voting members.
	ErrQuorumUnavailable = errors.New("raft: quorum unavailable")

	// ErrInvalidMembershipChange is returned for duplicate adds, unknown
	// removals and removals that would leave no quorum.
	ErrInvalidMembershipChange = errors.New("raft: invalid membership change")

	// ErrConfigChangeInProgress is returned while an earlier membership
	// change is not yet committed.
	ErrConfigChangeInProgress = errors.New("raft: membership change in progress")

	// ErrShutdown is returned by every call after Shutdown.
	ErrShutdown = errors.New("raft: server is shut down")

	// ErrInvalidParams is returned when Params fail validation.
	ErrInvalidParams = errors.New("raft: invalid parameters")

	// ErrLogIndexOutOfRange is returned by log stores for indexes past the end.
	ErrLogIndexOutOfRange = errors.New("raft: log index out of range")

	// ErrLogCompacted is returned by log stores for indexes already purged.
	ErrLogCompacted = errors.New("raft: log index compacted")

	// ErrSnapshotUnavailable is returned when no snapshot can serve a request.
	ErrSnapshotUnavailable = errors.New("raft: snapshot unavailable")
)

// NotLeaderError is ErrNotLeader with a hint about who the leader is.
type NotLeaderError struct {
	LeaderID       ServerID
	LeaderEndpoint string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return ErrNotLeader.Error()
	}
	return fmt.Sprintf("%s (leader is %d at %s)", ErrNotLeader, e.LeaderID, e.LeaderEndpoint)
}

// Is makes errors.Is(err, ErrNotLeader) hold for hinted errors.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
