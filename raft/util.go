package raft

import (
	logging "github.com/ipfs/go-log"
)

// Logger is the structured logger used by the core. The zap sugared logger
// behind go-log satisfies it.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

var log = logging.Logger("raft")

// newLogger returns the package logger tagged with the server id.
func newLogger(id ServerID) Logger {
	return log.With("id", id)
}

func minUint64(a, b uint64) uint64 {
	if a > b {
		return b
	}
	return a
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
