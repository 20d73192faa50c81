// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package eshelpers

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/elastic/go-eshelpers"

type bulkMetrics struct {
	bufferDuration         metric.Float64Histogram
	flushDuration          metric.Float64Histogram
	bulkRequests           metric.Int64Counter
	docsAdded              metric.Int64Counter
	docsProcessed          metric.Int64Counter
	docsRetried            metric.Int64Counter
	bytesTotal             metric.Int64Counter
	bytesUncompressedTotal metric.Int64Counter
	inflightBulkRequests   metric.Int64UpDownCounter
}

type scrollMetrics struct {
	requests metric.Int64Counter
	hits     metric.Int64Counter
	latency  metric.Float64Histogram
}

type histogramMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Float64Histogram
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

func newBulkMetrics(mp metric.MeterProvider) (bulkMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	ms := bulkMetrics{}
	histograms := []histogramMetric{
		{
			name:        "elasticsearch.buffer.latency",
			description: "The amount of time a document was buffered for, in seconds.",
			unit:        "s",
			p:           &ms.bufferDuration,
		},
		{
			name:        "elasticsearch.flushed.latency",
			description: "The amount of time a _bulk request took, in seconds.",
			unit:        "s",
			p:           &ms.flushDuration,
		},
	}
	for _, m := range histograms {
		if err := newFloat64Histogram(meter, m); err != nil {
			return ms, err
		}
	}

	counters := []counterMetric{
		{
			name:        "elasticsearch.bulk_requests.count",
			description: "The number of bulk requests completed.",
			p:           &ms.bulkRequests,
		},
		{
			name:        "elasticsearch.events.count",
			description: "The number of documents read from datasources.",
			p:           &ms.docsAdded,
		},
		{
			name:        "elasticsearch.events.processed",
			description: "The number of documents which reached a final outcome. Dimensions are used to report success or failures.",
			p:           &ms.docsProcessed,
		},
		{
			name:        "elasticsearch.events.retried",
			description: "The number of document retries scheduled.",
			p:           &ms.docsRetried,
		},
		{
			name:        "elasticsearch.flushed.bytes",
			description: "The total number of bytes written to the request body",
			unit:        "by",
			p:           &ms.bytesTotal,
		},
		{
			name:        "elasticsearch.flushed.uncompressed.bytes",
			description: "The total number of uncompressed bytes written to the request body",
			unit:        "by",
			p:           &ms.bytesUncompressedTotal,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return ms, err
		}
	}

	inflight, err := meter.Int64UpDownCounter(
		"elasticsearch.bulk_requests.inflight",
		metric.WithUnit("1"),
		metric.WithDescription("The number of bulk requests being filled or flushed."),
	)
	if err != nil {
		return ms, fmt.Errorf("failed creating elasticsearch.bulk_requests.inflight metric: %w", err)
	}
	ms.inflightBulkRequests = inflight
	return ms, nil
}

func newScrollMetrics(mp metric.MeterProvider) (scrollMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	ms := scrollMetrics{}
	if err := newFloat64Histogram(meter, histogramMetric{
		name:        "elasticsearch.scroll.latency",
		description: "The amount of time a search or scroll request took, in seconds.",
		unit:        "s",
		p:           &ms.latency,
	}); err != nil {
		return ms, err
	}
	counters := []counterMetric{
		{
			name:        "elasticsearch.scroll.requests.count",
			description: "The number of search, scroll and clear scroll requests completed.",
			p:           &ms.requests,
		},
		{
			name:        "elasticsearch.scroll.hits.count",
			description: "The number of hits returned by scroll pages.",
			p:           &ms.hits,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return ms, err
		}
	}
	return ms, nil
}

func newInt64Counter(meter metric.Meter, c counterMetric) error {
	unit := c.unit
	if unit == "" {
		unit = "1"
	}
	m, err := meter.Int64Counter(
		c.name,
		metric.WithUnit(unit),
		metric.WithDescription(c.description),
	)

	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", c.name, err,
		)
	}
	*c.p = m
	return nil
}

func newFloat64Histogram(meter metric.Meter, h histogramMetric) error {
	m, err := meter.Float64Histogram(
		h.name,
		metric.WithUnit(h.unit),
		metric.WithDescription(h.description),
	)

	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", h.name, err,
		)
	}
	*h.p = m
	return nil
}
