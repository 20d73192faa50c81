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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/paulbellamy/ratecounter"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BulkIngester bulk indexes datasources into Elasticsearch.
//
// Each Ingest call reads its datasource one record at a time, encodes the
// record with BulkConfig.OnDocument and appends it to the active bulk
// request. The active request is flushed when it reaches
// `config.FlushBytes` or `config.FlushItems`, when `config.FlushInterval`
// elapses since its first document, or when the datasource is exhausted.
//
// Up to `config.MaxRequests` bulk requests may be filling or flushing
// concurrently, shared by all Ingest calls of a BulkIngester. When the limit
// is reached, reading the datasource waits for a request to complete.
type BulkIngester struct {
	config  BulkConfig
	client  elastictransport.Interface
	pool    *BulkIndexerPool
	metrics bulkMetrics
	counter *ratecounter.RateCounter

	// tracer is an OTel tracer, and should not be confused with `config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// NewBulkIngester returns a new BulkIngester that indexes documents into
// Elasticsearch.
func NewBulkIngester(client elastictransport.Interface, cfg BulkConfig) (*BulkIngester, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = DefaultBulkConfig(cfg)
	ms, err := newBulkMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, err
	}
	indexerConfig := BulkIndexerConfig{
		Client:           client,
		CompressionLevel: cfg.CompressionLevel,
		Pipeline:         cfg.Pipeline,
	}
	if err := indexerConfig.Validate(); err != nil {
		return nil, fmt.Errorf("error creating bulk indexer: %w", err)
	}
	ingester := &BulkIngester{
		config:  cfg,
		client:  client,
		pool:    NewBulkIndexerPool(cfg.MaxRequests, indexerConfig),
		metrics: ms,
		counter: ratecounter.NewRateCounter(time.Minute),
	}
	if cfg.TracerProvider != nil {
		ingester.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-eshelpers.ingester")
	}
	return ingester, nil
}

// IndexedPerMinute returns the number of documents successfully indexed
// over the last minute.
func (i *BulkIngester) IndexedPerMinute() int64 {
	return i.counter.Rate()
}

// Ingest indexes every record of ds and returns the summary once all of them
// have either succeeded or permanently failed.
//
// Documents rejected by Elasticsearch do not fail Ingest; they are retried
// according to the configuration, then reported through BulkConfig.OnDrop
// and the summary. Ingest returns an error, and no summary, if a bulk
// request fails as a whole, the datasource or OnDocument fail, or ctx is
// done. In that case the datasource is not read further, and Ingest
// returns once the bulk requests in flight have completed and the pending
// Datasource.Next call has returned. A datasource blocked in a read which
// ignores ctx, such as NewLinesDatasource over a pipe, delays the error
// until the read returns.
func (i *BulkIngester) Ingest(ctx context.Context, ds Datasource) (BulkSummary, error) {
	if ds == nil {
		return BulkSummary{}, ErrMissingDatasource
	}
	start := time.Now()
	parent := ctx
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	g, gctx := errgroup.WithContext(ctx)

	r := &ingestRun{
		BulkIngester: i,
		agg:          newResultAggregator(i.config),
		group:        g,
		link:         linkedTraceContextFrom(parent),
		indices:      make(map[string]struct{}),
	}
	items := make(chan BulkIndexerItem, i.config.DocumentBufferSize)
	g.Go(func() error {
		defer close(items)
		return r.produce(gctx, ds, items)
	})
	runErr := r.run(gctx, items)
	if runErr != nil {
		cancel(runErr)
	}
	waitErr := g.Wait()
	if parent.Err() != nil {
		return BulkSummary{}, context.Cause(parent)
	}
	if waitErr != nil {
		return BulkSummary{}, waitErr
	}
	if runErr != nil {
		return BulkSummary{}, runErr
	}

	if i.config.RefreshOnCompletion {
		r.refresh(parent)
	}
	summary := r.agg.result()
	summary.Duration = time.Since(start)
	i.config.Logger.Debug("bulk ingestion completed",
		zap.Int64("docs_total", summary.Total),
		zap.Int64("docs_successful", summary.Successful),
		zap.Int64("docs_failed", summary.Failed),
		zap.Int64("docs_retried", summary.Retried),
		zap.Int64("bulk_requests", summary.BulkRequests),
		zap.Duration("took", summary.Duration),
	)
	return summary, nil
}

// ingestRun holds the state of a single Ingest call.
type ingestRun struct {
	*BulkIngester
	agg   *resultAggregator
	group *errgroup.Group
	link  *linkedTraceContext

	// indices is only written by produce, and read once it has returned.
	indices map[string]struct{}
}

// produce reads ds until it is exhausted, sending encoded items to items.
func (r *ingestRun) produce(ctx context.Context, ds Datasource, items chan<- BulkIndexerItem) error {
	enc := newActionEncoder(r.config.OnDocument, r.config.Index)
	limiter := ratelimit.NewUnlimited()
	if r.config.MaxDocumentsPerSecond > 0 {
		limiter = ratelimit.New(r.config.MaxDocumentsPerSecond, ratelimit.WithoutSlack)
	}
	attrs := metric.WithAttributeSet(r.config.MetricAttributes)
	for {
		record, err := ds.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read datasource: %w", err)
		}
		item, err := enc.encode(record)
		if err != nil {
			return err
		}
		limiter.Take()
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case items <- item:
		}
		r.indices[item.Action.Index] = struct{}{}
		r.metrics.docsAdded.Add(context.Background(), 1, attrs)
	}
}

// run fills bulk requests from items and due retries, and starts flushing
// them, until items is closed and every document has reached an outcome.
func (r *ingestRun) run(ctx context.Context, items <-chan BulkIndexerItem) error {
	attrs := metric.WithAttributeSet(r.config.MetricAttributes)
	var active *BulkIndexer
	var firstDocTS time.Time
	flushTimer := time.NewTimer(r.config.FlushInterval)
	flushTimer.Stop()
	defer flushTimer.Stop()
	retryTimer := time.NewTimer(time.Hour)
	retryTimer.Stop()
	defer retryTimer.Stop()
	defer func() {
		if active != nil {
			r.pool.Put(active)
			r.metrics.inflightBulkRequests.Add(context.Background(), -1, attrs)
		}
	}()

	flush := func() {
		flushTimer.Stop()
		indexer := active
		active = nil
		r.metrics.bufferDuration.Record(context.Background(),
			time.Since(firstDocTS).Seconds(), attrs,
		)
		r.agg.flushStarted()
		r.group.Go(func() error {
			defer func() {
				r.pool.Put(indexer)
				r.metrics.inflightBulkRequests.Add(context.Background(), -1, attrs)
			}()
			return r.flush(ctx, indexer)
		})
	}
	add := func(item BulkIndexerItem) error {
		if active != nil && active.UncompressedLen()+item.Size() > r.config.FlushBytes {
			flush()
		}
		if active == nil {
			// Blocks while MaxRequests bulk requests are in flight.
			indexer, err := r.pool.Get(ctx)
			if err != nil {
				return err
			}
			active = indexer
			r.metrics.inflightBulkRequests.Add(context.Background(), 1, attrs)
			firstDocTS = time.Now()
			flushTimer.Reset(r.config.FlushInterval)
		}
		if err := active.Add(item); err != nil {
			return err
		}
		if active.Items() >= r.config.FlushItems || active.UncompressedLen() >= r.config.FlushBytes {
			flush()
		}
		return nil
	}

	for {
		// Retries which are due go ahead of further datasource records.
		due, next := r.agg.takeDue(time.Now())
		for _, item := range due {
			if err := add(item); err != nil {
				return err
			}
		}
		if !next.IsZero() {
			retryTimer.Reset(time.Until(next))
		}
		if items == nil {
			if active != nil {
				flush()
			}
			if r.agg.idle() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case item, ok := <-items:
			if !ok {
				items = nil
				continue
			}
			if err := add(item); err != nil {
				return err
			}
		case <-flushTimer.C:
			if active != nil {
				flush()
			}
		case <-retryTimer.C:
		case <-r.agg.wake:
		}
	}
}

func (r *ingestRun) flush(ctx context.Context, indexer *BulkIndexer) error {
	n := indexer.Items()
	logger := r.config.Logger
	var tx *apm.Transaction
	var span trace.Span
	if r.apmTracingEnabled() {
		tx = r.config.Tracer.StartTransactionOptions("eshelpers.flush", "output",
			apm.TransactionOptions{Links: r.link.apmLinks()},
		)
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	} else if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "eshelpers.flush", trace.WithAttributes(
			attribute.Int("documents", n),
		), trace.WithLinks(r.link.otelLinks()...))
		defer span.End()
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	flushCtx := ctx
	if r.config.FlushTimeout != 0 {
		var flushCancel context.CancelFunc
		flushCtx, flushCancel = context.WithTimeout(ctx, r.config.FlushTimeout)
		defer flushCancel()
	}

	var resp BulkIndexerResponseStat
	var err error
	took := timeFunc(func() {
		resp, err = indexer.Flush(flushCtx)
	})
	attrs := metric.WithAttributeSet(r.config.MetricAttributes)
	r.metrics.bulkRequests.Add(context.Background(), 1, attrs)
	r.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	if flushed := indexer.BytesFlushed(); flushed > 0 {
		r.metrics.bytesTotal.Add(context.Background(), int64(flushed), attrs)
	}
	if flushed := indexer.BytesUncompressedFlushed(); flushed > 0 {
		r.metrics.bytesUncompressedTotal.Add(context.Background(), int64(flushed), attrs)
	}
	if err != nil {
		r.agg.flushAborted()
		logger.Error("bulk indexing request failed", zap.Error(err))
		if tx != nil {
			tx.Outcome = "failure"
			apm.CaptureError(ctx, err).Send()
		}
		if span != nil && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "bulk indexing request failed")
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.metrics.docsProcessed.Add(context.Background(), int64(n), attrs,
				metric.WithAttributes(attribute.String("status", "Timeout")),
			)
		}
		var errFailed ErrorFlushFailed
		if errors.As(err, &errFailed) {
			var status string
			switch {
			case errFailed.tooMany:
				status = "TooMany"
			case errFailed.clientError:
				status = "FailedClient"
			case errFailed.serverError:
				status = "FailedServer"
			}
			if status != "" {
				r.metrics.docsProcessed.Add(context.Background(), int64(n), attrs,
					metric.WithAttributes(
						attribute.String("status", status),
						semconv.HTTPResponseStatusCode(errFailed.statusCode),
					),
				)
			}
		}
		return err
	}

	retried, dropped := r.agg.flushCompleted(resp, indexer.BytesUncompressedFlushed(), time.Now())
	r.counter.Incr(resp.Indexed)

	var tooManyRequests, clientFailed, serverFailed int64
	type failureKey struct {
		index, errorType, reason string
	}
	var failedCount map[failureKey]int
	if len(dropped) > 0 {
		failedCount = make(map[failureKey]int, len(dropped))
	}
	for _, result := range dropped {
		switch {
		case result.Status == http.StatusTooManyRequests:
			tooManyRequests++
		case result.Status >= 500:
			serverFailed++
		default:
			clientFailed++
		}
		failedCount[failureKey{
			index:     result.Action.Index,
			errorType: result.Error.Type,
			reason:    result.Error.Reason,
		}]++
		if span != nil && span.IsRecording() {
			e := errors.New(result.Error.Reason)
			span.RecordError(e)
			span.SetStatus(codes.Error, e.Error())
		}
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.index, key.errorType, key.reason,
		), zap.Int("documents", count))
	}
	for status, count := range map[string]int64{
		"Success":      resp.Indexed,
		"TooMany":      tooManyRequests,
		"FailedClient": clientFailed,
		"FailedServer": serverFailed,
	} {
		if count > 0 {
			r.metrics.docsProcessed.Add(context.Background(), count, attrs,
				metric.WithAttributes(attribute.String("status", status)),
			)
		}
	}
	if retried > 0 {
		r.metrics.docsRetried.Add(context.Background(), retried, attrs)
	}
	logger.Debug(
		"bulk request completed",
		zap.Int64("docs_indexed", resp.Indexed),
		zap.Int64("docs_noop", resp.Noop),
		zap.Int("docs_failed", len(dropped)),
		zap.Int64("docs_retried", retried),
		zap.Int64("docs_indexed_per_minute", r.counter.Rate()),
	)
	if span != nil && span.IsRecording() && len(dropped) == 0 {
		span.SetStatus(codes.Ok, "")
	}
	return nil
}

// refresh makes the written documents visible to search. Failures are
// only logged.
func (r *ingestRun) refresh(ctx context.Context) {
	indices := r.config.RefreshIndices
	if len(indices) == 0 {
		for index := range r.indices {
			indices = append(indices, index)
		}
		slices.Sort(indices)
	}
	if len(indices) == 0 {
		return
	}
	logger := r.config.Logger.With(zap.Strings("indices", indices))
	res, err := esapi.IndicesRefreshRequest{Index: indices}.Do(ctx, r.client)
	if err != nil {
		logger.Warn("failed to refresh indices", zap.Error(err))
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		logger.Warn("failed to refresh indices", zap.Error(newResponseError(res.StatusCode, body)))
	}
}

// apmTracingEnabled checks whether we should be doing tracing
// using the Elastic APM tracer.
func (i *BulkIngester) apmTracingEnabled() bool {
	return i.config.Tracer != nil && i.config.Tracer.Recording()
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
