/*
 *
 * Copyright 2025 The xshm Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package xshm

import "github.com/prometheus/client_golang/prometheus"

// StatsSource is anything exposing auto-worker counters; AutoServer,
// AutoClient and MultiClient all qualify.
type StatsSource interface {
	Stats() AutoStatsSnapshot
}

// StatsCollector exports a StatsSource's counters as prometheus metrics,
// labeled with the channel name. Register it with a prometheus.Registerer:
//
//	prometheus.MustRegister(xshm.NewStatsCollector("svc", client))
type StatsCollector struct {
	source StatsSource

	sent          *prometheus.Desc
	sendOverflows *prometheus.Desc
	received      *prometheus.Desc
	recvOverflows *prometheus.Desc
}

// NewStatsCollector builds a collector for one endpoint's counters.
func NewStatsCollector(channel string, source StatsSource) *StatsCollector {
	labels := prometheus.Labels{"channel": channel}
	return &StatsCollector{
		source: source,
		sent: prometheus.NewDesc("xshm_sent_messages_total",
			"Messages written to the outbound ring.", nil, labels),
		sendOverflows: prometheus.NewDesc("xshm_send_overflows_total",
			"Messages evicted on the send path (queue or ring overwrite).", nil, labels),
		received: prometheus.NewDesc("xshm_received_messages_total",
			"Messages delivered to the message callback.", nil, labels),
		recvOverflows: prometheus.NewDesc("xshm_receive_overflows_total",
			"Inbound frames skipped by producer-side eviction.", nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sent
	ch <- c.sendOverflows
	ch <- c.received
	ch <- c.recvOverflows
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(s.SentMessages))
	ch <- prometheus.MustNewConstMetric(c.sendOverflows, prometheus.CounterValue, float64(s.SendOverflows))
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(s.ReceivedMessages))
	ch <- prometheus.MustNewConstMetric(c.recvOverflows, prometheus.CounterValue, float64(s.ReceiveOverflows))
}
