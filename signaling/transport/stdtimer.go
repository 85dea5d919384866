package transport

import "time"

// StdTimerFactory is the default TimerFactory, backed by time.AfterFunc.
type StdTimerFactory struct{}

// NewStdTimerFactory returns the default standard-library timer factory.
func NewStdTimerFactory() StdTimerFactory {
	return StdTimerFactory{}
}

func (StdTimerFactory) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
