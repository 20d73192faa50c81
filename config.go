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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BulkConfig holds configuration for BulkIngester.
type BulkConfig struct {
	// Logger holds an optional Logger to use for logging bulk requests.
	//
	// All Elasticsearch errors will be logged at error level, so in cases
	// where the ingester is used for high throughput indexing, is recommended
	// that a rate-limited logger is used.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each bulk request is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced with Elastic APM.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. It is only used
	// when Tracer is nil.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record ingester metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// OnDocument is called for every datasource record and returns the bulk
	// action to perform for it. It must be set.
	OnDocument OnDocumentFunc

	// OnDrop is called for every document that permanently failed, either
	// because its failure is not retryable or because its retries have been
	// exhausted. Calls are serialised and must not block for long.
	OnDrop func(BulkItemResult)

	// Index holds the default target index, used for actions which do not
	// set one.
	Index string

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// MaxRequests holds the maximum number of bulk requests to execute concurrently.
	// Once reached, reading the datasource is suspended until a request completes.
	// The maximum memory usage is thus approximately (MaxRequests+1)*FlushBytes.
	//
	// If MaxRequests is less than or equal to zero, the default of 10 will be used.
	MaxRequests int

	// FlushBytes holds the flush threshold in uncompressed bytes. A single
	// document larger than FlushBytes is sent in a bulk request of its own.
	//
	// If FlushBytes is zero, the default of 1MB will be used.
	FlushBytes int

	// FlushItems holds the flush threshold in number of documents.
	//
	// If FlushItems is zero, the default of 1000 will be used.
	FlushItems int

	// FlushInterval holds the maximum time a partially filled bulk request
	// is buffered for, measured from its first document.
	//
	// If FlushInterval is zero, the default of 30 seconds will be used.
	FlushInterval time.Duration

	// FlushTimeout holds the flush timeout as a duration.
	//
	// If FlushTimeout is zero, no timeout will be used.
	FlushTimeout time.Duration

	// DocumentBufferSize sets the number of encoded documents that can be
	// read ahead of the active bulk request.
	//
	// If DocumentBufferSize is zero, the default 1024 will be used.
	DocumentBufferSize int

	// MaxDocumentRetries holds the maximum number of times a document is
	// retried. Zero disables document retries.
	MaxDocumentRetries int

	// RetryOnDocumentStatus holds the document level statuses that will
	// trigger a document retry.
	//
	// If RetryOnDocumentStatus is empty, only 429 is retried.
	RetryOnDocumentStatus []int

	// RetryBackoff returns a new backoff.BackOff for a document that is
	// about to be retried for the first time. Each further failure of the
	// same document asks it for the next delay; backoff.Stop drops the
	// document.
	//
	// If RetryBackoff is nil, an exponential backoff starting at 500ms and
	// capped at 5 seconds is used.
	RetryBackoff func() backoff.BackOff

	// RetainFailedItems keeps every permanently failed document in
	// BulkSummary.FailedItems.
	RetainFailedItems bool

	// RefreshOnCompletion issues a single refresh request once every
	// bulk request has completed, before Ingest returns.
	RefreshOnCompletion bool

	// RefreshIndices holds the indices refreshed when RefreshOnCompletion
	// is set. If empty, every index written to is refreshed.
	RefreshIndices []string

	// MaxDocumentsPerSecond limits the rate at which documents are read
	// from the datasource. Zero means unlimited.
	MaxDocumentsPerSecond int
}

// DefaultBulkConfig returns a copy of cfg with all zero values replaced by
// their defaults.
func DefaultBulkConfig(cfg BulkConfig) BulkConfig {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = 1 * 1024 * 1024
	}
	if cfg.FlushItems <= 0 {
		cfg.FlushItems = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.DocumentBufferSize <= 0 {
		cfg.DocumentBufferSize = 1024
	}
	// use a len check instead of a nil check because document level retries
	// should be disabled using MaxDocumentRetries instead.
	if len(cfg.RetryOnDocumentStatus) == 0 {
		cfg.RetryOnDocumentStatus = []int{http.StatusTooManyRequests}
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	return cfg
}

// Validate checks the configuration for invalid values.
func (cfg BulkConfig) Validate() error {
	if cfg.OnDocument == nil {
		return ErrMissingOnDocument
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	if cfg.MaxDocumentRetries < 0 {
		return fmt.Errorf("expected MaxDocumentRetries >= 0, got %d", cfg.MaxDocumentRetries)
	}
	if cfg.MaxDocumentsPerSecond < 0 {
		return fmt.Errorf("expected MaxDocumentsPerSecond >= 0, got %d", cfg.MaxDocumentsPerSecond)
	}
	return nil
}

func defaultRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// ScrollConfig holds configuration for Scroller.
type ScrollConfig struct {
	// Logger holds an optional Logger. Scroll cleanup failures are logged
	// at warn level.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer. Each scroll is traced as a
	// transaction spanning all of its requests.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. It is only used
	// when Tracer is nil.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider used to record scroll
	// metrics. If unset, the global OTel MeterProvider will be used.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// PageSize holds the number of hits requested per page, unless
	// overridden by ScrollRequest.Size.
	//
	// If PageSize is zero, the default of 1000 will be used.
	PageSize int

	// ScrollTimeout holds how long the server keeps the scroll cursor
	// alive between two requests, unless overridden by
	// ScrollRequest.ScrollTimeout.
	//
	// If ScrollTimeout is zero, the default of 1 minute will be used.
	ScrollTimeout time.Duration
}

// DefaultScrollConfig returns a copy of cfg with all zero values replaced by
// their defaults.
func DefaultScrollConfig(cfg ScrollConfig) ScrollConfig {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.ScrollTimeout <= 0 {
		cfg.ScrollTimeout = time.Minute
	}
	return cfg
}

// Validate checks the configuration for invalid values.
func (cfg ScrollConfig) Validate() error {
	if cfg.PageSize < 0 {
		return errors.New("page size must not be negative")
	}
	if cfg.ScrollTimeout < 0 {
		return errors.New("scroll timeout must not be negative")
	}
	return nil
}
