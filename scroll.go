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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.elastic.co/fastjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// releaseTimeout bounds the request releasing a scroll cursor. It is
// detached from the caller's context, which may already be done.
const releaseTimeout = 10 * time.Second

// Scroller pages through search results with a server-side scroll cursor.
type Scroller struct {
	config  ScrollConfig
	client  elastictransport.Interface
	metrics scrollMetrics

	// tracer is an OTel tracer, and should not be confused with `config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// ScrollRequest describes the search to scroll through.
type ScrollRequest struct {
	// Index holds the indices to search. If empty, all indices are searched.
	Index []string

	// Query holds the JSON search body, e.g. `{"query":{"match_all":{}}}`.
	// If nil, no body is sent.
	Query []byte

	// Size holds the number of hits per page, overriding
	// ScrollConfig.PageSize when greater than zero.
	Size int

	// ScrollTimeout holds how long the cursor is kept alive between two
	// pages, overriding ScrollConfig.ScrollTimeout when greater than zero.
	ScrollTimeout time.Duration

	Sort           []string
	Routing        []string
	SourceIncludes []string
	SourceExcludes []string
}

// Hit is a single search hit.
type Hit struct {
	Index   string
	ID      string
	Routing string
	// Score is nil when the search is sorted on fields other than _score.
	Score  *float64
	Source json.RawMessage
	Sort   json.RawMessage
}

// DecodeSource unmarshals the hit's _source into v.
func (h Hit) DecodeSource(v any) error {
	if len(h.Source) == 0 {
		return errors.New("hit has no _source")
	}
	return jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(h.Source, v)
}

// Page holds the hits returned by one search or scroll request.
type Page struct {
	Hits []Hit
	// ScrollID holds the cursor returned along with the page.
	ScrollID string
	// TotalHits holds the number of hits matching the search, as reported
	// by the server.
	TotalHits int64
	// Number holds the 1-based position of the page in the sequence.
	Number int

	it *ScrollIterator
}

// Clear stops the scroll after this page: the cursor is released
// immediately and no further page is requested.
func (p *Page) Clear() {
	if p.it != nil {
		p.it.Close()
	}
}

// NewScroller returns a new Scroller issuing requests through client.
func NewScroller(client elastictransport.Interface, cfg ScrollConfig) (*Scroller, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = DefaultScrollConfig(cfg)
	ms, err := newScrollMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, err
	}
	s := &Scroller{config: cfg, client: client, metrics: ms}
	if cfg.TracerProvider != nil {
		s.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-eshelpers.scroller")
	}
	return s, nil
}

// Scroll returns an iterator over the pages of req. No request is made
// until the first call to Next.
//
// The iterator must be closed unless it was exhausted or failed; Close
// releases the cursor.
func (s *Scroller) Scroll(ctx context.Context, req ScrollRequest) *ScrollIterator {
	size := s.config.PageSize
	if req.Size > 0 {
		size = req.Size
	}
	timeout := s.config.ScrollTimeout
	if req.ScrollTimeout > 0 {
		timeout = req.ScrollTimeout
	}
	return &ScrollIterator{
		s:       s,
		ctx:     ctx,
		req:     req,
		size:    size,
		timeout: timeout,
		logger:  s.config.Logger,
	}
}

// Pages returns the pages of req as a sequence. Breaking out of the loop
// releases the cursor. A failure is yielded last, with a nil page.
func (s *Scroller) Pages(ctx context.Context, req ScrollRequest) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		it := s.Scroll(ctx, req)
		defer it.Close()
		for it.Next() {
			if !yield(it.Page(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(nil, err)
		}
	}
}

type scrollState int

const (
	scrollInit scrollState = iota
	scrollFetching
	scrollHasMore
	scrollExhausted
	scrollCleared
	scrollFailed
)

func (s scrollState) terminal() bool {
	return s == scrollExhausted || s == scrollCleared || s == scrollFailed
}

// ScrollIterator is a pull iterator over the pages of a scroll. It is not
// safe for concurrent use.
type ScrollIterator struct {
	s       *Scroller
	ctx     context.Context
	req     ScrollRequest
	size    int
	timeout time.Duration
	logger  *zap.Logger

	state    scrollState
	scrollID string
	page     *Page
	pages    int
	hits     int64
	err      error

	tx   *apm.Transaction
	span trace.Span
}

// Next fetches the next page, reporting whether there is one. It returns
// false once the results are exhausted, the scroll was cleared or a
// request failed.
func (it *ScrollIterator) Next() bool {
	var body []byte
	var err error
	switch it.state {
	case scrollInit:
		it.startTracing()
		if it.req.Size < 0 {
			it.fail(fmt.Errorf("expected Size >= 0, got %d", it.req.Size))
			return false
		}
		it.state = scrollFetching
		body, err = it.search()
	case scrollHasMore:
		if it.ctx.Err() != nil {
			it.fail(context.Cause(it.ctx))
			return false
		}
		it.state = scrollFetching
		body, err = it.continueScroll()
	default:
		return false
	}
	if err != nil {
		it.fail(err)
		return false
	}

	page, err := it.parsePage(body)
	if err != nil {
		it.fail(err)
		return false
	}
	if page.ScrollID != "" {
		it.scrollID = page.ScrollID
	}
	if len(page.Hits) == 0 {
		it.page = nil
		it.finish(scrollExhausted)
		return false
	}
	it.pages++
	it.hits += int64(len(page.Hits))
	page.Number = it.pages
	it.page = page
	it.s.metrics.hits.Add(context.Background(), int64(len(page.Hits)),
		metric.WithAttributeSet(it.s.config.MetricAttributes),
	)
	if page.ScrollID == "" {
		// Nothing to continue from.
		it.finish(scrollExhausted)
		return true
	}
	it.state = scrollHasMore
	return true
}

// Page returns the page fetched by the last successful call to Next.
func (it *ScrollIterator) Page() *Page {
	return it.page
}

// Err returns the error which ended the iteration, if any.
func (it *ScrollIterator) Err() error {
	return it.err
}

// Close stops the iteration and releases the cursor. It is a no-op once
// the iterator has ended.
func (it *ScrollIterator) Close() {
	if it.state.terminal() {
		return
	}
	it.finish(scrollCleared)
}

func (it *ScrollIterator) fail(err error) {
	it.err = err
	it.page = nil
	it.logger.Error("scroll failed", zap.Error(err))
	if it.tx != nil {
		it.tx.Outcome = "failure"
		apm.CaptureError(it.requestContext(), err).Send()
	}
	if it.span != nil && it.span.IsRecording() {
		it.span.RecordError(err)
		it.span.SetStatus(codes.Error, "scroll failed")
	}
	it.finish(scrollFailed)
}

// finish moves the iterator to a terminal state, releasing the cursor.
func (it *ScrollIterator) finish(state scrollState) {
	it.state = state
	it.release()
	it.endTracing()
}

func (it *ScrollIterator) search() ([]byte, error) {
	size := it.size
	req := esapi.SearchRequest{
		Index:          it.req.Index,
		Scroll:         it.timeout,
		Size:           &size,
		Sort:           it.req.Sort,
		Routing:        it.req.Routing,
		SourceIncludes: it.req.SourceIncludes,
		SourceExcludes: it.req.SourceExcludes,
	}
	if it.req.Query != nil {
		req.Body = bytes.NewReader(it.req.Query)
	}
	return it.do("search", req)
}

func (it *ScrollIterator) continueScroll() ([]byte, error) {
	var w fastjson.Writer
	w.RawString(`{"scroll_id":`)
	w.String(it.scrollID)
	w.RawByte('}')
	return it.do("scroll", esapi.ScrollRequest{
		Body:   bytes.NewReader(w.Bytes()),
		Scroll: it.timeout,
	})
}

func (it *ScrollIterator) do(kind string, req esapi.Request) ([]byte, error) {
	attrs := metric.WithAttributeSet(it.s.config.MetricAttributes)
	start := time.Now()
	defer func() {
		it.s.metrics.requests.Add(context.Background(), 1, attrs,
			metric.WithAttributes(attribute.String("type", kind)),
		)
		it.s.metrics.latency.Record(context.Background(), time.Since(start).Seconds(), attrs,
			metric.WithAttributes(attribute.String("type", kind)),
		)
	}()
	res, err := req.Do(it.requestContext(), it.s.client)
	if err != nil {
		return nil, fmt.Errorf("failed to execute the %s request: %w", kind, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read the %s response: %w", kind, err)
	}
	if res.IsError() {
		return nil, newResponseError(res.StatusCode, body)
	}
	return body, nil
}

func (it *ScrollIterator) parsePage(body []byte) (*Page, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("failed to parse the search response")
	}
	result := gjson.ParseBytes(body)
	page := &Page{
		ScrollID: result.Get("_scroll_id").String(),
		it:       it,
	}
	// hits.total is an object since Elasticsearch 7, and a number before.
	if total := result.Get("hits.total"); total.IsObject() {
		page.TotalHits = total.Get("value").Int()
	} else {
		page.TotalHits = total.Int()
	}
	hits := result.Get("hits.hits").Array()
	page.Hits = make([]Hit, 0, len(hits))
	for _, h := range hits {
		hit := Hit{
			Index:   h.Get("_index").String(),
			ID:      h.Get("_id").String(),
			Routing: h.Get("_routing").String(),
		}
		if score := h.Get("_score"); score.Type == gjson.Number {
			f := score.Float()
			hit.Score = &f
		}
		if source := h.Get("_source"); source.Exists() {
			hit.Source = json.RawMessage(source.Raw)
		}
		if sort := h.Get("sort"); sort.Exists() {
			hit.Sort = json.RawMessage(sort.Raw)
		}
		page.Hits = append(page.Hits, hit)
	}
	return page, nil
}

// release clears the cursor on the server. Failures are only logged: the
// cursor expires on its own after the scroll timeout.
func (it *ScrollIterator) release() {
	if it.scrollID == "" {
		return
	}
	scrollID := it.scrollID
	it.scrollID = ""

	ctx, cancel := context.WithTimeout(context.WithoutCancel(it.requestContext()), releaseTimeout)
	defer cancel()
	var w fastjson.Writer
	w.RawString(`{"scroll_id":[`)
	w.String(scrollID)
	w.RawString(`]}`)
	attrs := metric.WithAttributeSet(it.s.config.MetricAttributes)
	it.s.metrics.requests.Add(context.Background(), 1, attrs,
		metric.WithAttributes(attribute.String("type", "clear")),
	)
	res, err := esapi.ClearScrollRequest{Body: bytes.NewReader(w.Bytes())}.Do(ctx, it.s.client)
	if err != nil {
		it.logger.Warn("failed to clear scroll", zap.Error(err))
		return
	}
	defer res.Body.Close()
	// 404 means the cursor has already expired.
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(res.Body)
		it.logger.Warn("failed to clear scroll", zap.Error(newResponseError(res.StatusCode, body)))
	}
}

func (it *ScrollIterator) startTracing() {
	link := linkedTraceContextFrom(it.ctx)
	if it.s.config.Tracer != nil && it.s.config.Tracer.Recording() {
		it.tx = it.s.config.Tracer.StartTransactionOptions("eshelpers.scroll", "scroll",
			apm.TransactionOptions{Links: link.apmLinks()},
		)
		it.logger = it.logger.With(apmzap.TraceContext(it.requestContext())...)
	} else if it.s.tracer != nil {
		_, it.span = it.s.tracer.Start(it.ctx, "eshelpers.scroll",
			trace.WithLinks(link.otelLinks()...),
		)
		it.logger = it.logger.With(
			zap.String("traceId", it.span.SpanContext().TraceID().String()),
			zap.String("spanId", it.span.SpanContext().SpanID().String()),
		)
	}
}

func (it *ScrollIterator) endTracing() {
	if it.tx != nil {
		it.tx.Context.SetLabel("pages", it.pages)
		it.tx.Context.SetLabel("hits", it.hits)
		if it.tx.Outcome == "" {
			it.tx.Outcome = "success"
		}
		it.tx.End()
		it.tx = nil
	}
	if it.span != nil {
		it.span.SetAttributes(
			attribute.Int("pages", it.pages),
			attribute.Int64("hits", it.hits),
		)
		if it.err == nil {
			it.span.SetStatus(codes.Ok, "")
		}
		it.span.End()
		it.span = nil
	}
}

// requestContext returns the context requests are made with, carrying the
// scroll transaction or span.
func (it *ScrollIterator) requestContext() context.Context {
	switch {
	case it.tx != nil:
		return apm.ContextWithTransaction(it.ctx, it.tx)
	case it.span != nil:
		return trace.ContextWithSpan(it.ctx, it.span)
	}
	return it.ctx
}
