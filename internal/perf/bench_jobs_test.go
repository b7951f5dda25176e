package perf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/odyssey-erp/odyssey-crm/internal/jobs"
	"github.com/odyssey-erp/odyssey-crm/jobs"
)

type flakyPublisher struct {
	calls int
	every int
}

func (p *flakyPublisher) Publish(context.Context, string) error {
	p.calls++
	if p.every > 0 && p.calls%p.every == 0 {
		return errors.New("redis unavailable")
	}
	return nil
}

func TestInvalidationJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := jobs.NewInvalidateJob(&flakyPublisher{every: 25}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, metrics)

	for i := 0; i < 100; i++ {
		task, err := jobs.NewInvalidateTask(fmt.Sprintf("user-%d", i), time.Now())
		if err != nil {
			t.Fatalf("build task: %v", err)
		}
		_ = metrics.Track(jobs.TaskAuthzInvalidate).End(job.Handle(context.Background(), task))
	}

	// A malformed payload is dropped, not retried.
	bad := asynq.NewTask(jobs.TaskAuthzInvalidate, []byte("{"))
	if err := metrics.Track(jobs.TaskAuthzInvalidate).End(job.Handle(context.Background(), bad)); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry, got %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "odyssey_jobs_total", map[string]string{"job": jobs.TaskAuthzInvalidate, "status": "success"})
	failure := metricValue(t, families, "odyssey_jobs_total", map[string]string{"job": jobs.TaskAuthzInvalidate, "status": "failure"})
	if success+failure != 101 {
		t.Fatalf("expected 101 executions, got %f", success+failure)
	}
	ratio := success / (success + failure)
	if ratio < 0.9 {
		t.Fatalf("invalidation success ratio too low: %f", ratio)
	}
	if dropped := metricValue(t, families, "odyssey_jobs_dropped_total", map[string]string{"job": jobs.TaskAuthzInvalidate}); dropped != 1 {
		t.Fatalf("expected one dropped task, got %f", dropped)
	}

	mean := histogramMean(t, families, "odyssey_job_duration_seconds", map[string]string{"job": jobs.TaskAuthzInvalidate})
	if mean > 0.05 {
		t.Fatalf("invalidation duration above budget: %f", mean)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
