package raft

import "time"

// RealScheduler schedules timers on the runtime clock.
type RealScheduler struct{}

// NewRealScheduler returns a Scheduler backed by time.AfterFunc.
func NewRealScheduler() *RealScheduler {
	return &RealScheduler{}
}

func (s *RealScheduler) Schedule(kind TimerKind, delay time.Duration, fire func()) Timer {
	return realTimer{time.AfterFunc(delay, fire)}
}

type realTimer struct {
	t *time.Timer
}

func (t realTimer) Stop() {
	t.t.Stop()
}
