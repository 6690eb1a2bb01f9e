package lim

import (
	"sharebox/metrics"
	"sharebox/svc/util"
	"sync"
	"time"
)

const (
	anomalyMinRequests = 10
	anomalyErrorRate   = 5.0
)

// AnomalyDetector tracks the 5xx rate over a rolling five-minute window and
// calls onAnomaly when it crosses the threshold.
type AnomalyDetector struct {
	mu           sync.Mutex
	window       []bucket
	currentIndex int
	onAnomaly    func()
	done         chan struct{}
	stopOnce     sync.Once
}

type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		window:    make([]bucket, 5),
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.currentIndex].requests++
	d.mu.Unlock()
}

func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.currentIndex].errors++
	d.mu.Unlock()
}

// ErrorRate is the percentage of failed requests across the window.
func (d *AnomalyDetector) ErrorRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	rate, _, _ := d.totals()
	return rate
}

func (d *AnomalyDetector) totals() (rate float64, reqs, errs int64) {
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	if reqs > 0 {
		rate = float64(errs) / float64(reqs) * 100.0
	}
	return rate, reqs, errs
}

func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	errorRate, totalReqs, totalErrs := d.totals()
	d.currentIndex = (d.currentIndex + 1) % len(d.window)
	d.window[d.currentIndex] = bucket{}
	d.mu.Unlock()

	metrics.RecentErrorRatePercent.Set(errorRate)
	if totalReqs > anomalyMinRequests && errorRate > anomalyErrorRate {
		util.Warn().
			Float64("error_rate", errorRate).
			Int64("total_reqs", totalReqs).
			Int64("total_errs", totalErrs).
			Msg("high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
}
