// Package metrics records pipeline run metrics on a private Prometheus registry.
package metrics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricNamespaceConstant    = "ciflow"
	jobLabelConstant           = "job"
	roleLabelConstant          = "role"
	resultLabelConstant        = "result"
	statusLabelConstant        = "status"
	categoryLabelConstant      = "category"
	textfileWriteErrorTemplate = "unable to write metrics textfile %s: %w"
)

// ErrTextfilePathMissing indicates WriteTextfile received an empty path.
var ErrTextfilePathMissing = errors.New("metrics textfile path not provided")

// Step results recorded on step metrics.
const (
	StepResultSucceeded = "succeeded"
	StepResultFailed    = "failed"
)

// Recorder holds the run metrics. A nil Recorder discards every observation.
type Recorder struct {
	registry     *prometheus.Registry
	stepDuration *prometheus.HistogramVec
	jobRuns      *prometheus.CounterVec
	stepFailures *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
}

// NewRecorder registers the run metrics on a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespaceConstant,
				Name:      "step_duration_seconds",
				Help:      "Duration of pipeline steps",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{jobLabelConstant, roleLabelConstant, resultLabelConstant},
		),
		jobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespaceConstant,
				Name:      "job_runs_total",
				Help:      "Total number of job runs by final status",
			},
			[]string{jobLabelConstant, statusLabelConstant},
		),
		stepFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespaceConstant,
				Name:      "step_failures_total",
				Help:      "Total number of failed steps by role and failure category",
			},
			[]string{roleLabelConstant, categoryLabelConstant},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespaceConstant,
				Name:      "job_duration_seconds",
				Help:      "Duration of pipeline jobs",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{jobLabelConstant, statusLabelConstant},
		),
	}
}

// Registry exposes the underlying registry for gathering.
func (recorder *Recorder) Registry() *prometheus.Registry {
	if recorder == nil {
		return nil
	}
	return recorder.registry
}

// ObserveStep records a finished step. An empty category marks success.
func (recorder *Recorder) ObserveStep(job string, role string, category string, duration time.Duration) {
	if recorder == nil {
		return
	}
	result := StepResultSucceeded
	if len(category) > 0 {
		result = StepResultFailed
		recorder.stepFailures.WithLabelValues(role, category).Inc()
	}
	recorder.stepDuration.WithLabelValues(job, role, result).Observe(duration.Seconds())
}

// ObserveJob records a finished job.
func (recorder *Recorder) ObserveJob(job string, status string, duration time.Duration) {
	if recorder == nil {
		return
	}
	recorder.jobRuns.WithLabelValues(job, status).Inc()
	if duration > 0 {
		recorder.jobDuration.WithLabelValues(job, status).Observe(duration.Seconds())
	}
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (recorder *Recorder) WriteTextfile(path string) error {
	if recorder == nil {
		return nil
	}
	trimmedPath := strings.TrimSpace(path)
	if len(trimmedPath) == 0 {
		return ErrTextfilePathMissing
	}
	if writeError := prometheus.WriteToTextfile(trimmedPath, recorder.registry); writeError != nil {
		return fmt.Errorf(textfileWriteErrorTemplate, trimmedPath, writeError)
	}
	return nil
}
