package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/jobstream/internal/journal"
)

// PrometheusSink exports job lifecycle metrics. It owns all collectors for
// jobs started, finished and running plus phase transitions.
type PrometheusSink struct {
	jobsStarted    *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
	jobDuration    *prometheus.HistogramVec
	phaseEntered   *prometheus.CounterVec
	cancelFailures prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobstream_jobs_started_total",
			Help: "Jobs followed, partitioned by how they were started.",
		}, []string{"mode"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobstream_jobs_finished_total",
			Help: "Jobs that reached an end state, partitioned by outcome.",
		}, []string{"outcome"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobstream_jobs_running",
			Help: "Jobs currently being followed.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobstream_job_duration_seconds",
			Help:    "Time a job was followed until it ended.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"outcome"}),
		phaseEntered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobstream_phase_transitions_total",
			Help: "Phase transitions partitioned by the phase entered.",
		}, []string{"phase"}),
		cancelFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobstream_cancel_failures_total",
			Help: "Cancel requests the backend rejected.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobDuration,
		s.phaseEntered,
		s.cancelFailures,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register journal collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []journal.Record) error {
	for _, rec := range batch {
		s.consumeRecord(rec)
	}
	return nil
}

func (s *PrometheusSink) consumeRecord(rec journal.Record) {
	switch rec.Kind {
	case journal.KindJobStart:
		mode := "submitted"
		if rec.Reconnect {
			mode = "reconnected"
		}
		s.jobsStarted.WithLabelValues(mode).Inc()
		if s.tracker.start(rec.JobID) {
			s.jobsRunning.Inc()
		}
	case journal.KindPhase:
		s.phaseEntered.WithLabelValues(string(rec.Phase)).Inc()
	case journal.KindJobDone:
		s.jobsFinished.WithLabelValues(rec.Outcome).Inc()
		if rec.Dur > 0 {
			s.jobDuration.WithLabelValues(rec.Outcome).Observe(rec.Dur.Seconds())
		}
		if s.tracker.complete(rec.JobID) {
			s.jobsRunning.Dec()
		}
	case journal.KindCancelFailed:
		s.cancelFailures.Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
