package server

import (
	"time"
)

// Clock supplies the two timer primitives the session runs on
type Clock interface {
	Timer(d time.Duration) Timer
	Ticker(d time.Duration) Ticker
}

// Timer is a one-shot timer
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

// Ticker fires periodically until stopped
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// WallClock implements Clock on the runtime clock
type WallClock struct{}

func (WallClock) Timer(d time.Duration) Timer {
	return &wallTimer{t: time.NewTimer(d)}
}

func (WallClock) Ticker(d time.Duration) Ticker {
	return &wallTicker{t: time.NewTicker(d)}
}

type wallTimer struct {
	t *time.Timer
}

func (w *wallTimer) C() <-chan time.Time {
	return w.t.C
}

func (w *wallTimer) Reset(d time.Duration) {
	w.drain()
	w.t.Reset(d)
}

func (w *wallTimer) Stop() {
	w.drain()
}

func (w *wallTimer) drain() {
	if !w.t.Stop() {
		select {
		case <-w.t.C:
		default:
		}
	}
}

type wallTicker struct {
	t *time.Ticker
}

func (w *wallTicker) C() <-chan time.Time {
	return w.t.C
}

func (w *wallTicker) Stop() {
	w.t.Stop()
}
