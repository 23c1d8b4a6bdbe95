package perfstats

import (
	"sync"
	"time"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Min     time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	*a = TimeAccumulator{}
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	if a.Samples == 0 || v < a.Min {
		a.Min = v
	}
	if v > a.Max {
		a.Max = v
	}
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// Summary in milliseconds, for JSON
type TimeSummary struct {
	Samples   int64   `json:"samples"`
	AverageMS float64 `json:"averageMS"`
	MinMS     float64 `json:"minMS"`
	MaxMS     float64 `json:"maxMS"`
}

func (a *TimeAccumulator) Summary() TimeSummary {
	ms := func(d time.Duration) float64 {
		return float64(d.Microseconds()) / 1000
	}
	return TimeSummary{
		Samples:   a.Samples,
		AverageMS: ms(a.Average()),
		MinMS:     ms(a.Min),
		MaxMS:     ms(a.Max),
	}
}

// SyncTimeAccumulator is a TimeAccumulator that can be shared between goroutines
type SyncTimeAccumulator struct {
	lock sync.Mutex
	acc  TimeAccumulator
}

func (a *SyncTimeAccumulator) AddSample(v time.Duration) {
	a.lock.Lock()
	a.acc.AddSample(v)
	a.lock.Unlock()
}

// Return a copy of the current state
func (a *SyncTimeAccumulator) Get() TimeAccumulator {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.acc
}

func (a *SyncTimeAccumulator) Reset() {
	a.lock.Lock()
	a.acc.Reset()
	a.lock.Unlock()
}
