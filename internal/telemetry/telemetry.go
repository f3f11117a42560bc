// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry exposes the connection tracker's Prometheus metrics:
// per-core flow-count gauges (the per-cpu stats counters of the reference
// implementation, merged on scrape instead of contended on the flow path),
// a template-table gauge, an error-kind counter, and a SYN-proxy
// retransmit counter.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every gauge/counter the tracker publishes.
type Metrics struct {
	FlowsActive     *prometheus.GaugeVec
	TemplatesActive prometheus.Gauge
	Errors          *prometheus.CounterVec
	SynRetransmits  prometheus.Counter
}

// New builds and registers the tracker's metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlowsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "connlb",
			Subsystem: "conntrack",
			Name:      "flows_active",
			Help:      "Currently hashed flows, by core.",
		}, []string{"core"}),
		TemplatesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "connlb",
			Subsystem: "conntrack",
			Name:      "templates_active",
			Help:      "Currently hashed persistence templates.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connlb",
			Subsystem: "conntrack",
			Name:      "errors_total",
			Help:      "Connection-tracker errors, by kind.",
		}, []string{"kind"}),
		SynRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "connlb",
			Subsystem: "conntrack",
			Name:      "synproxy_retransmits_total",
			Help:      "SYN-proxy retransmit attempts.",
		}),
	}
	reg.MustRegister(m.FlowsActive, m.TemplatesActive, m.Errors, m.SynRetransmits)
	return m
}

func (m *Metrics) RecordError(kind string)             { m.Errors.WithLabelValues(kind).Inc() }
func (m *Metrics) SetCoreFlows(core string, n float64)  { m.FlowsActive.WithLabelValues(core).Set(n) }
func (m *Metrics) SetTemplates(n float64)               { m.TemplatesActive.Set(n) }
func (m *Metrics) RecordSynRetransmit()                 { m.SynRetransmits.Inc() }
