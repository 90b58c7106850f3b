package cluster

import "time"

// Timer and ticker construction is indirected through factories so tests can
// drive role transitions deterministically.

type clusterTimer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

type clusterTicker interface {
	C() <-chan time.Time
	Stop()
}

type (
	timerFactory  func(d time.Duration) clusterTimer
	tickerFactory func(d time.Duration) clusterTicker
	timeoutFunc   func() time.Duration
)

type stdTimer struct {
	t *time.Timer
}

func (t *stdTimer) C() <-chan time.Time { return t.t.C }
func (t *stdTimer) Stop() bool          { return t.t.Stop() }
func (t *stdTimer) Reset(d time.Duration) bool {
	return t.t.Reset(d)
}

func defaultTimerFactory(d time.Duration) clusterTimer {
	return &stdTimer{t: time.NewTimer(d)}
}

type stdTicker struct {
	t *time.Ticker
}

func (t *stdTicker) C() <-chan time.Time { return t.t.C }
func (t *stdTicker) Stop()               { t.t.Stop() }

func defaultTickerFactory(d time.Duration) clusterTicker {
	return &stdTicker{t: time.NewTicker(d)}
}
