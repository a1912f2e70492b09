package raft

import (
	"time"

	"github.com/pkg/errors"
)

// ReturnMethod selects how Submit reports outcomes.
type ReturnMethod int

const (
	// ReturnBlocking makes Submit wait until every operation is committed
	// and applied, or fails.
	ReturnBlocking ReturnMethod = iota
	// ReturnAsync makes Submit return as soon as the operations are
	// appended; outcomes arrive on the returned futures.
	ReturnAsync
)

// Params are the runtime parameters of a server. They can be replaced
// while the server runs with UpdateParams.
type Params struct {
	ElectionTimeoutLower time.Duration // lower bound of the randomized election timeout
	ElectionTimeoutUpper time.Duration // upper bound of the randomized election timeout
	HeartbeatInterval    time.Duration

	MaxAppendEntries int // entries per AppendEntries batch

	SnapshotDistance  uint64 // applied entries between snapshots, 0 disables
	SnapshotChunkSize int    // bytes per InstallSnapshot chunk
	ReservedLogItems  uint64 // entries kept below a snapshot when compacting

	ClientTimeout time.Duration // upper bound for a blocking Submit
	ReturnMethod  ReturnMethod
}

// DefaultParams returns the parameters used when none are given.
func DefaultParams() Params {
	return Params{
		ElectionTimeoutLower: 300 * time.Millisecond,
		ElectionTimeoutUpper: 600 * time.Millisecond,
		HeartbeatInterval:    100 * time.Millisecond,
		MaxAppendEntries:     100,
		SnapshotDistance:     0,
		SnapshotChunkSize:    64 * 1024,
		ReservedLogItems:     0,
		ClientTimeout:        3 * time.Second,
		ReturnMethod:         ReturnBlocking,
	}
}

// Validate checks p for internal consistency.
func (p *Params) Validate() error {
	if p.ElectionTimeoutUpper < p.ElectionTimeoutLower {
		return errors.Wrap(ErrInvalidParams, "election timeout upper bound below lower bound")
	}
	if p.ElectionTimeoutUpper <= 0 {
		return errors.Wrap(ErrInvalidParams, "election timeout must be positive")
	}
	if p.HeartbeatInterval <= 0 {
		return errors.Wrap(ErrInvalidParams, "heartbeat interval must be positive")
	}
	if p.MaxAppendEntries <= 0 {
		return errors.Wrap(ErrInvalidParams, "max append entries must be positive")
	}
	if p.SnapshotChunkSize <= 0 {
		return errors.Wrap(ErrInvalidParams, "snapshot chunk size must be positive")
	}
	if p.ClientTimeout <= 0 {
		return errors.Wrap(ErrInvalidParams, "client timeout must be positive")
	}
	if p.ReturnMethod != ReturnBlocking && p.ReturnMethod != ReturnAsync {
		return errors.Wrap(ErrInvalidParams, "unknown return method")
	}
	return nil
}
