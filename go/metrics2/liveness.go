package metrics2

import (
	"sync"
	"time"
)

const (
	measurementLiveness = "liveness"

	// livenessReportFrequency is how often the current value is re-reported,
	// so that the metric keeps growing even without Reset calls.
	livenessReportFrequency = time.Minute
)

// liveness implements Liveness.
type liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
}

func newLiveness(c Client, name string, tags ...map[string]string) Liveness {
	t := withNameTag(name, tags)
	l := &liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    c.GetInt64Metric(measurementLiveness+"_s", t),
	}
	go func() {
		for range time.Tick(livenessReportFrequency) {
			l.update()
		}
	}()
	return l
}

// updateLocked sets the value of the Liveness. Assumes the caller holds mtx.
func (l *liveness) updateLocked() {
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

func (l *liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.updateLocked()
}

// Get implements Liveness.
func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.m.Get()
}

// Reset implements Liveness.
func (l *liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.updateLocked()
}
