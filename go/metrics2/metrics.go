// Package metrics2 provides app metrics: counters, gauges and timers backed
// by Prometheus. Metrics are identified by a measurement name and a
// map[string]string of tags:
//
//	metrics2.GetCounter("cache_hits", map[string]string{"tier": "image"}).Inc(1)
package metrics2

import (
	"time"
)

// Int64Metric is a metric which reports an int64 value.
type Int64Metric interface {
	// Get returns the current value of the metric.
	Get() int64

	// Update adds a data point to the metric.
	Update(v int64)

	// Delete removes the metric from its Client's registry.
	Delete() error
}

// Float64Metric is a metric which reports a float64 value.
type Float64Metric interface {
	// Get returns the current value of the metric.
	Get() float64

	// Update adds a data point to the metric.
	Update(v float64)

	// Delete removes the metric from its Client's registry.
	Delete() error
}

// Float64SummaryMetric is a metric which reports a summary of many float64 values.
type Float64SummaryMetric interface {
	// Observe adds a data point to the metric.
	Observe(v float64)
}

// Counter is a metric which reports a value that increments or decrements.
type Counter interface {
	// Get returns the current value.
	Get() int64

	// Inc increments the counter by the given quantity.
	Inc(i int64)

	// Dec decrements the counter by the given quantity.
	Dec(i int64)

	// Reset sets the counter to zero.
	Reset()

	// Delete removes the counter from its Client's registry.
	Delete() error
}

// Liveness keeps a time-since-last-successful-update metric, in seconds.
// Every periodic process should have one, with an alert on the value growing
// too large.
type Liveness interface {
	// Get returns the current value of the Liveness.
	Get() int64

	// Reset should be called when some work has been successfully completed.
	Reset()
}

// Timer measures elapsed time and reports a single data point when Stop is
// called.
type Timer interface {
	// Start starts or resets the timer.
	Start()

	// Stop stops the timer and reports the elapsed time.
	Stop() time.Duration
}

// Client represents a set of metrics.
type Client interface {
	// GetCounter creates or retrieves a Counter with the given name and tags.
	GetCounter(name string, tags ...map[string]string) Counter

	// GetInt64Metric creates or retrieves an Int64Metric with the given
	// measurement name and tags.
	GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric

	// GetFloat64Metric creates or retrieves a Float64Metric with the given
	// measurement name and tags.
	GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric

	// GetFloat64SummaryMetric creates or retrieves a Float64SummaryMetric with
	// the given measurement name and tags.
	GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric

	// NewLiveness creates a new Liveness metric with the given name and tags.
	NewLiveness(name string, tags ...map[string]string) Liveness

	// NewTimer creates a new started Timer with the given name and tags.
	NewTimer(name string, tags ...map[string]string) Timer

	// Flush pushes any queued data immediately. Blocks until complete.
	Flush() error
}

var defaultClient Client = newPromClient()

// GetDefaultClient returns the default Client.
func GetDefaultClient() Client {
	return defaultClient
}

// GetCounter creates or retrieves a Counter using the default client.
func GetCounter(name string, tags ...map[string]string) Counter {
	return defaultClient.GetCounter(name, tags...)
}

// GetInt64Metric creates or retrieves an Int64Metric using the default client.
func GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	return defaultClient.GetInt64Metric(measurement, tags...)
}

// GetFloat64Metric creates or retrieves a Float64Metric using the default client.
func GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric {
	return defaultClient.GetFloat64Metric(measurement, tags...)
}

// GetFloat64SummaryMetric creates or retrieves a Float64SummaryMetric using
// the default client.
func GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric {
	return defaultClient.GetFloat64SummaryMetric(measurement, tags...)
}

// NewLiveness creates a new Liveness metric using the default client.
func NewLiveness(name string, tags ...map[string]string) Liveness {
	return defaultClient.NewLiveness(name, tags...)
}

// NewTimer creates a new started Timer using the default client.
func NewTimer(name string, tags ...map[string]string) Timer {
	return defaultClient.NewTimer(name, tags...)
}

// FuncTimer is specifically intended for measuring the duration of functions.
// It uses the default client.
//
// The standard way to use FuncTimer is at the top of the func you
// want to measure:
//
//	func myfunc() {
//	    defer metrics2.FuncTimer().Stop()
//	    ...
//	}
func FuncTimer() Timer {
	return newFuncTimer(defaultClient)
}
