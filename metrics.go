// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	B2BResultConnected = "connected"
	B2BResultFailed    = "failed"
	B2BResultCanceled  = "canceled"
)

// Metrics are prometheus collectors updated by Srf. Nil Metrics is valid and does nothing.
type Metrics struct {
	dialogsActive prometheus.Gauge
	b2bAttempts   prometheus.Counter
	b2bResults    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		dialogsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "srf_dialogs_active",
			Help: "Number of registered dialogs",
		}),
		b2bAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "srf_b2b_attempts_total",
			Help: "Outbound INVITE attempts made by back to back bridges",
		}),
		b2bResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "srf_b2b_results_total",
			Help: "Back to back bridge outcomes",
		}, []string{"result"}),
	}
}

func (m *Metrics) dialogAdded() {
	if m == nil {
		return
	}
	m.dialogsActive.Inc()
}

func (m *Metrics) dialogRemoved() {
	if m == nil {
		return
	}
	m.dialogsActive.Dec()
}

func (m *Metrics) b2bAttempt() {
	if m == nil {
		return
	}
	m.b2bAttempts.Inc()
}

func (m *Metrics) b2bResult(result string) {
	if m == nil {
		return
	}
	m.b2bResults.WithLabelValues(result).Inc()
}
