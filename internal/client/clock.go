package client

import "time"

// Clock abstracts time for the batching scheduler so tests advance it
// deterministically instead of sleeping on real timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall-clock Clock.
func SystemClock() Clock { return realClock{} }
