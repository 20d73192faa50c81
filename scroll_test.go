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

package eshelpers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/v2/apmtest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/elastic/go-eshelpers"
	"github.com/elastic/go-eshelpers/eshelperstest"
)

func newScrollServer(t testing.TB, index string, n int) *eshelperstest.Server {
	srv := eshelperstest.NewServer(t, nil)
	for i := 0; i < n; i++ {
		srv.AddDocument(index, fmt.Sprintf("%03d", i), json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
	}
	return srv
}

func newScroller(t testing.TB, srv *eshelperstest.Server, cfg eshelpers.ScrollConfig) *eshelpers.Scroller {
	s, err := eshelpers.NewScroller(srv.Client(t), cfg)
	require.NoError(t, err)
	return s
}

func TestScroll(t *testing.T) {
	srv := newScrollServer(t, "test", 11)
	s := newScroller(t, srv, eshelpers.ScrollConfig{})

	it := s.Scroll(context.Background(), eshelpers.ScrollRequest{
		Index: []string{"test"},
		Query: []byte(`{"query":{"match_all":{}}}`),
		Size:  5,
	})
	defer it.Close()

	var sizes []int
	var ids []string
	for it.Next() {
		page := it.Page()
		assert.Equal(t, len(sizes)+1, page.Number)
		assert.Equal(t, int64(11), page.TotalHits)
		assert.Equal(t, "scroll-1", page.ScrollID)
		sizes = append(sizes, len(page.Hits))
		for _, hit := range page.Hits {
			ids = append(ids, hit.ID)
		}
	}
	require.NoError(t, it.Err())
	assert.Nil(t, it.Page())
	assert.Equal(t, []int{5, 5, 1}, sizes)
	assert.Equal(t, []string{"000", "001", "002", "003", "004", "005", "006", "007", "008", "009", "010"}, ids)

	assert.Equal(t, int64(1), srv.Searches.Load())
	assert.Equal(t, int64(3), srv.Scrolls.Load())
	assert.Equal(t, []string{"scroll-1"}, srv.ClearedScrollIDs())
	assert.Zero(t, srv.OpenScrolls())

	// Exhausted iterators stay exhausted.
	assert.False(t, it.Next())
	it.Close()
	assert.Equal(t, int64(1), srv.Clears.Load())
}

func TestScrollRepeated(t *testing.T) {
	srv := newScrollServer(t, "test", 11)
	s := newScroller(t, srv, eshelpers.ScrollConfig{})
	req := eshelpers.ScrollRequest{Index: []string{"test"}, Size: 5}

	scroll := func() (pages, hits int) {
		for page, err := range s.Pages(context.Background(), req) {
			require.NoError(t, err)
			pages++
			hits += len(page.Hits)
		}
		return pages, hits
	}
	pages, hits := scroll()
	assert.Equal(t, 3, pages)
	assert.Equal(t, 11, hits)

	// A new scroll over unchanged data yields the same pages, with its own cursor.
	againPages, againHits := scroll()
	assert.Equal(t, pages, againPages)
	assert.Equal(t, hits, againHits)
	assert.Equal(t, int64(2), srv.Searches.Load())
	assert.Equal(t, []string{"scroll-1", "scroll-2"}, srv.ClearedScrollIDs())
	assert.Zero(t, srv.OpenScrolls())
}

func TestScrollHit(t *testing.T) {
	srv := newScrollServer(t, "test", 1)
	s := newScroller(t, srv, eshelpers.ScrollConfig{})

	it := s.Scroll(context.Background(), eshelpers.ScrollRequest{Index: []string{"test"}})
	defer it.Close()
	require.True(t, it.Next())
	require.Len(t, it.Page().Hits, 1)
	hit := it.Page().Hits[0]
	assert.Equal(t, "test", hit.Index)
	assert.Equal(t, "000", hit.ID)
	require.NotNil(t, hit.Score)
	assert.Equal(t, 1.0, *hit.Score)
	assert.JSONEq(t, `{"n":0}`, string(hit.Source))

	var doc struct {
		N int `json:"n"`
	}
	require.NoError(t, hit.DecodeSource(&doc))
	assert.Equal(t, 0, doc.N)

	assert.Error(t, eshelpers.Hit{}.DecodeSource(&doc))
}

func TestScrollPageClear(t *testing.T) {
	srv := newScrollServer(t, "test", 11)
	s := newScroller(t, srv, eshelpers.ScrollConfig{PageSize: 5})

	var count int
	for page, err := range s.Pages(context.Background(), eshelpers.ScrollRequest{Index: []string{"test"}}) {
		require.NoError(t, err)
		count++
		if count == 2 {
			page.Clear()
		}
	}
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(1), srv.Scrolls.Load())
	assert.Equal(t, int64(1), srv.Clears.Load())
	assert.Zero(t, srv.OpenScrolls())
}

func TestScrollPagesBreak(t *testing.T) {
	srv := newScrollServer(t, "test", 11)
	s := newScroller(t, srv, eshelpers.ScrollConfig{PageSize: 5})

	for page, err := range s.Pages(context.Background(), eshelpers.ScrollRequest{Index: []string{"test"}}) {
		require.NoError(t, err)
		assert.Len(t, page.Hits, 5)
		break
	}
	assert.Zero(t, srv.Scrolls.Load())
	assert.Equal(t, []string{"scroll-1"}, srv.ClearedScrollIDs())
	assert.Zero(t, srv.OpenScrolls())
}

func TestScrollCloseBeforeNext(t *testing.T) {
	srv := newScrollServer(t, "test", 11)
	s := newScroller(t, srv, eshelpers.ScrollConfig{})

	it := s.Scroll(context.Background(), eshelpers.ScrollRequest{Index: []string{"test"}})
	it.Close()
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
	assert.Zero(t, srv.Searches.Load())
	assert.Zero(t, srv.Clears.Load())
}

func TestScrollFailure(t *testing.T) {
	srv := newScrollServer(t, "test", 11)
	s := newScroller(t, srv, eshelpers.ScrollConfig{PageSize: 5})

	var pages int
	var errs []error
	srv.FailNextScroll(http.StatusInternalServerError)
	for page, err := range s.Pages(context.Background(), eshelpers.ScrollRequest{Index: []string{"test"}}) {
		if err != nil {
			assert.Nil(t, page)
			errs = append(errs, err)
			continue
		}
		pages++
	}
	assert.Equal(t, 1, pages)
	require.Len(t, errs, 1)

	var respErr *eshelpers.ResponseError
	require.True(t, errors.As(errs[0], &respErr))
	assert.Equal(t, http.StatusInternalServerError, respErr.StatusCode)
	assert.Equal(t, "search_phase_execution_exception", respErr.Type)
	assert.Equal(t, "all shards failed", respErr.Reason)

	// The cursor is released even though the scroll failed.
	assert.Equal(t, []string{"scroll-1"}, srv.ClearedScrollIDs())
	assert.Zero(t, srv.OpenScrolls())
}

func TestScrollMissingIndex(t *testing.T) {
	srv := newScrollServer(t, "test", 1)
	s := newScroller(t, srv, eshelpers.ScrollConfig{})

	it := s.Scroll(context.Background(), eshelpers.ScrollRequest{Index: []string{"missing"}})
	assert.False(t, it.Next())
	var respErr *eshelpers.ResponseError
	require.True(t, errors.As(it.Err(), &respErr))
	assert.Equal(t, http.StatusNotFound, respErr.StatusCode)
	assert.Equal(t, "index_not_found_exception", respErr.Type)
	assert.Zero(t, srv.Clears.Load())
}

func TestScrollCancel(t *testing.T) {
	srv := newScrollServer(t, "test", 11)
	s := newScroller(t, srv, eshelpers.ScrollConfig{PageSize: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	it := s.Scroll(ctx, eshelpers.ScrollRequest{Index: []string{"test"}})
	require.True(t, it.Next())
	cancel()
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), context.Canceled)
	assert.Zero(t, srv.Scrolls.Load())
	// Releasing the cursor does not depend on the cancelled context.
	assert.Equal(t, int64(1), srv.Clears.Load())
	assert.Zero(t, srv.OpenScrolls())
}

func TestScrollMissingScrollID(t *testing.T) {
	srv := newScrollServer(t, "test", 11)
	srv.OmitScrollID()
	s := newScroller(t, srv, eshelpers.ScrollConfig{PageSize: 5})

	var pages int
	for page, err := range s.Pages(context.Background(), eshelpers.ScrollRequest{Index: []string{"test"}}) {
		require.NoError(t, err)
		assert.Empty(t, page.ScrollID)
		pages++
	}
	// Without a cursor there is nothing to continue from.
	assert.Equal(t, 1, pages)
	assert.Zero(t, srv.Scrolls.Load())
	assert.Zero(t, srv.Clears.Load())
}

func TestScrollLegacyTotal(t *testing.T) {
	srv := newScrollServer(t, "test", 3)
	srv.LegacyTotal()
	s := newScroller(t, srv, eshelpers.ScrollConfig{})

	it := s.Scroll(context.Background(), eshelpers.ScrollRequest{Index: []string{"test"}})
	defer it.Close()
	require.True(t, it.Next())
	assert.Equal(t, int64(3), it.Page().TotalHits)
}

func TestScrollInvalidSize(t *testing.T) {
	srv := newScrollServer(t, "test", 3)
	s := newScroller(t, srv, eshelpers.ScrollConfig{})

	it := s.Scroll(context.Background(), eshelpers.ScrollRequest{Size: -1})
	assert.False(t, it.Next())
	assert.EqualError(t, it.Err(), "expected Size >= 0, got -1")
	assert.Zero(t, srv.Searches.Load())
}

func TestNewScrollerErrors(t *testing.T) {
	_, err := eshelpers.NewScroller(nil, eshelpers.ScrollConfig{})
	assert.EqualError(t, err, "client is nil")

	srv := eshelperstest.NewServer(t, nil)
	_, err = eshelpers.NewScroller(srv.Client(t), eshelpers.ScrollConfig{PageSize: -1})
	assert.EqualError(t, err, "page size must not be negative")
	_, err = eshelpers.NewScroller(srv.Client(t), eshelpers.ScrollConfig{ScrollTimeout: -time.Second})
	assert.EqualError(t, err, "scroll timeout must not be negative")
}

func TestScrollMetrics(t *testing.T) {
	srv := newScrollServer(t, "test", 11)
	rdr := sdkmetric.NewManualReader(sdkmetric.WithTemporalitySelector(
		func(ik sdkmetric.InstrumentKind) metricdata.Temporality {
			return metricdata.DeltaTemporality
		},
	))
	s := newScroller(t, srv, eshelpers.ScrollConfig{
		PageSize:      5,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
	})
	for _, err := range s.Pages(context.Background(), eshelpers.ScrollRequest{Index: []string{"test"}}) {
		require.NoError(t, err)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	requests := make(map[string]int64)
	var hits int64
	for _, m := range rm.ScopeMetrics[0].Metrics {
		sum, ok := m.Data.(metricdata.Sum[int64])
		if !ok {
			continue
		}
		for _, dp := range sum.DataPoints {
			switch m.Name {
			case "elasticsearch.scroll.requests.count":
				kind, _ := dp.Attributes.Value("type")
				requests[kind.AsString()] += dp.Value
			case "elasticsearch.scroll.hits.count":
				hits += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"search": 1, "scroll": 3, "clear": 1}, requests)
	assert.Equal(t, int64(11), hits)
}

func TestScrollOTelTracing(t *testing.T) {
	srv := newScrollServer(t, "test", 11)
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	s := newScroller(t, srv, eshelpers.ScrollConfig{PageSize: 5, TracerProvider: tp})
	for _, err := range s.Pages(context.Background(), eshelpers.ScrollRequest{Index: []string{"test"}}) {
		require.NoError(t, err)
	}

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "eshelpers.scroll", spans[0].Name)
	assert.Equal(t, sdktrace.Status{Code: codes.Ok}, spans[0].Status)
	assert.Contains(t, spans[0].Attributes, attribute.Int("pages", 3))
	assert.Contains(t, spans[0].Attributes, attribute.Int64("hits", 11))
}

func TestScrollAPMTracing(t *testing.T) {
	srv := newScrollServer(t, "test", 11)
	tracer := apmtest.NewRecordingTracer()
	defer tracer.Close()

	s := newScroller(t, srv, eshelpers.ScrollConfig{PageSize: 5, Tracer: tracer.Tracer})
	for _, err := range s.Pages(context.Background(), eshelpers.ScrollRequest{Index: []string{"test"}}) {
		require.NoError(t, err)
	}

	tracer.Flush(nil)
	payloads := tracer.Payloads()
	require.Len(t, payloads.Transactions, 1)
	assert.Equal(t, "eshelpers.scroll", payloads.Transactions[0].Name)
	assert.Equal(t, "scroll", payloads.Transactions[0].Type)
	assert.Equal(t, "success", payloads.Transactions[0].Outcome)
	// search, three continuations and the release
	assert.Len(t, payloads.Spans, 5)
}
