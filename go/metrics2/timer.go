package metrics2

import (
	"runtime"
	"strings"
	"time"
)

const (
	measurementTimer = "timer"
	nameFuncTimer    = "func_timer_s"
)

// timer implements Timer over a Float64SummaryMetric, reporting seconds.
type timer struct {
	begin time.Time
	m     Float64SummaryMetric
}

func newTimer(c Client, name string, tags ...map[string]string) Timer {
	t := withNameTag(name, tags)
	ret := &timer{
		m: c.GetFloat64SummaryMetric(measurementTimer, t),
	}
	ret.Start()
	return ret
}

// withNameTag merges the tag maps and inserts the name as the "name" tag.
func withNameTag(name string, tags []map[string]string) map[string]string {
	t := map[string]string{}
	for _, tag := range tags {
		for k, v := range tag {
			t[k] = v
		}
	}
	t["name"] = name
	return t
}

// Start implements Timer.
func (t *timer) Start() {
	t.begin = time.Now()
}

// Stop implements Timer.
func (t *timer) Stop() time.Duration {
	d := time.Since(t.begin)
	t.m.Observe(d.Seconds())
	return d
}

// newFuncTimer returns a started Timer tagged with the calling function and
// package names.
func newFuncTimer(c Client) Timer {
	pc, _, _, _ := runtime.Caller(2)
	f := runtime.FuncForPC(pc)
	split := strings.Split(f.Name(), ".")
	fn := "unknown"
	pkg := "unknown"
	if len(split) >= 2 {
		fn = split[len(split)-1]
		pkg = strings.Join(split[:len(split)-1], ".")
	}
	return newTimer(c, nameFuncTimer, map[string]string{"package": pkg, "func": fn})
}
