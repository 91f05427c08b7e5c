/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	// Prometheus histogram implements prometheus.Metric via the observer
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordRunComplete(t *testing.T) {
	RecordRunComplete("browser", "passed", 42*time.Second)

	val := getCounterValue(RunsCompletedTotal, "browser", "passed")
	if val < 1 {
		t.Errorf("RunsCompletedTotal = %f, want >= 1", val)
	}

	count := getHistogramCount(RunDurationSeconds, "browser")
	if count < 1 {
		t.Errorf("RunDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordSubmission(t *testing.T) {
	RecordSubmission("performance", "accepted")
	RecordSubmission("performance", "capacity_exceeded")

	if val := getCounterValue(SubmissionsTotal, "performance", "accepted"); val < 1 {
		t.Errorf("accepted = %f, want >= 1", val)
	}
	if val := getCounterValue(SubmissionsTotal, "performance", "capacity_exceeded"); val < 1 {
		t.Errorf("capacity_exceeded = %f, want >= 1", val)
	}
}

func TestRecordDrop(t *testing.T) {
	RecordDrop("hub")
	RecordDrop("hub")

	if val := getCounterValue(DroppedEventsTotal, "hub"); val < 2 {
		t.Errorf("DroppedEventsTotal = %f, want >= 2", val)
	}
}

func TestRecordStalledReclaim(t *testing.T) {
	RecordStalledReclaim("playwright-exec-us-east", 3)

	if val := getCounterValue(StalledReclaimsTotal, "playwright-exec-us-east"); val < 3 {
		t.Errorf("StalledReclaimsTotal = %f, want >= 3", val)
	}
}

func TestActiveRuns(t *testing.T) {
	ActiveRuns.Set(0) // Reset

	ActiveRuns.Inc()
	ActiveRuns.Inc()

	val := getGaugeValue(ActiveRuns)
	if val != 2 {
		t.Errorf("ActiveRuns = %f, want 2", val)
	}

	ActiveRuns.Dec()
	val = getGaugeValue(ActiveRuns)
	if val != 1 {
		t.Errorf("ActiveRuns after Dec = %f, want 1", val)
	}
}

func TestRecordQueueDepth(t *testing.T) {
	RecordQueueDepth("playwright-exec-us-east", 7)
	RecordQueueDepth("playwright-exec-us-east", 3)

	val := getGaugeValue(QueueDepth.WithLabelValues("playwright-exec-us-east"))
	if val != 3 {
		t.Errorf("QueueDepth = %f, want 3", val)
	}
}

func TestStatusLabelIsolation(t *testing.T) {
	RecordRunComplete("monitor", "passed", time.Second)
	RecordRunComplete("monitor", "failed", time.Second)

	passed := getCounterValue(RunsCompletedTotal, "monitor", "passed")
	failed := getCounterValue(RunsCompletedTotal, "monitor", "failed")
	timedOut := getCounterValue(RunsCompletedTotal, "monitor", "timed_out")

	if passed < 1 {
		t.Error("monitor passed should be >= 1")
	}
	if failed < 1 {
		t.Error("monitor failed should be >= 1")
	}
	if timedOut != 0 {
		t.Errorf("monitor timed_out = %f, want 0", timedOut)
	}
}
