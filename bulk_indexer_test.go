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

	"github.com/klauspost/compress/gzip"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-eshelpers"
	"github.com/elastic/go-eshelpers/eshelperstest"
)

func newItem(t testing.TB, action eshelpers.Action, doc string) eshelpers.BulkIndexerItem {
	item, err := eshelpers.NewBulkIndexerItem(action, []byte(doc))
	require.NoError(t, err)
	return item
}

func TestBulkIndexer(t *testing.T) {
	for _, tc := range []struct {
		Name             string
		CompressionLevel int
	}{
		{Name: "no_compression", CompressionLevel: gzip.NoCompression},
		{Name: "default_compression", CompressionLevel: gzip.DefaultCompression},
		{Name: "most_compression", CompressionLevel: gzip.BestCompression},
		{Name: "speed_compression", CompressionLevel: gzip.BestSpeed},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			received := make(chan [][]byte, 1)
			client := eshelperstest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.CompressionLevel != gzip.NoCompression {
					assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
				}
				docs, result := eshelperstest.DecodeBulkRequest(r)
				received <- docs
				json.NewEncoder(w).Encode(result)
			})
			indexer, err := eshelpers.NewBulkIndexer(eshelpers.BulkIndexerConfig{
				Client:           client,
				CompressionLevel: tc.CompressionLevel,
			})
			require.NoError(t, err)

			itemCount := 1_000
			for i := 0; i < itemCount; i++ {
				require.NoError(t, indexer.Add(newItem(t,
					eshelpers.Action{Index: "testidx"}, fmt.Sprintf(`{"n":%d}`, i),
				)))
			}
			assert.Equal(t, itemCount, indexer.Items())
			uncompressed := indexer.UncompressedLen()
			if tc.CompressionLevel != gzip.NoCompression {
				assert.Less(t, indexer.Len(), uncompressed)
			} else {
				assert.Equal(t, uncompressed, indexer.Len())
			}

			stat, err := indexer.Flush(context.Background())
			require.NoError(t, err)
			assert.Equal(t, itemCount, stat.Items)
			assert.Equal(t, int64(itemCount), stat.Indexed)
			assert.Empty(t, stat.FailedDocs)
			assert.Equal(t, uncompressed, indexer.BytesUncompressedFlushed())
			assert.NotZero(t, indexer.BytesFlushed())
			docs := <-received
			require.Len(t, docs, itemCount)
			assert.Equal(t, `{"n":999}`, string(docs[itemCount-1]))

			// nothing is in the buffer once flushed
			assert.Equal(t, 0, indexer.Items())
			assert.Equal(t, 0, indexer.Len())
			assert.Equal(t, 0, indexer.UncompressedLen())

			// Flushing an empty indexer is a no-op.
			stat, err = indexer.Flush(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stat.Items)
		})
	}
}

func TestBulkIndexerFailedDocs(t *testing.T) {
	client := eshelperstest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := eshelperstest.DecodeBulkRequest(r)
		for i, itemsMap := range result.Items {
			for k, item := range itemsMap {
				switch i {
				case 1:
					result.HasErrors = true
					item.Status = http.StatusTooManyRequests
					item.Error.Type = "es_rejected_execution_exception"
					item.Error.Reason = "rejected execution"
				case 2:
					result.HasErrors = true
					item.Status = http.StatusBadRequest
					item.Error.Type = "document_parsing_exception"
					item.Error.Reason = "failed to parse field [a] of type [long] in document with id '3'. Preview of field's value: 'x'"
				case 3:
					item.Status = http.StatusOK
					item.Result = "noop"
				case 4:
					item.Status = http.StatusNotFound
					item.Result = "not_found"
				}
				itemsMap[k] = item
			}
		}
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := eshelpers.NewBulkIndexer(eshelpers.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, indexer.Add(newItem(t,
			eshelpers.Action{Index: "idx", DocumentID: fmt.Sprint(i)}, fmt.Sprintf(`{"n":%d}`, i),
		)))
	}
	require.NoError(t, indexer.Add(newItem(t,
		eshelpers.Action{Operation: eshelpers.OperationDelete, Index: "idx", DocumentID: "4"}, "",
	)))

	stat, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stat.Items)
	assert.Equal(t, int64(3), stat.Indexed)
	assert.Equal(t, int64(2), stat.Noop)
	require.Len(t, stat.FailedDocs, 2)

	assert.Equal(t, 1, stat.FailedDocs[0].Position)
	assert.Equal(t, http.StatusTooManyRequests, stat.FailedDocs[0].Status)
	assert.Equal(t, "1", stat.FailedDocs[0].Item.Action.DocumentID)
	assert.Equal(t, `{"n":1}`, string(stat.FailedDocs[0].Item.Document))

	assert.Equal(t, 2, stat.FailedDocs[1].Position)
	assert.Equal(t, "document_parsing_exception", stat.FailedDocs[1].Error.Type)
	assert.Equal(t, "failed to parse field [a] of type [long] in document with id '3'", stat.FailedDocs[1].Error.Reason)
	assert.Equal(t, "2", stat.FailedDocs[1].Item.Action.DocumentID)
}

func TestBulkIndexerFlushFailed(t *testing.T) {
	client := eshelperstest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		eshelperstest.DecodeBulkRequest(r)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"type":"cluster_block_exception"}}`))
	})
	indexer, err := eshelpers.NewBulkIndexer(eshelpers.BulkIndexerConfig{Client: client})
	require.NoError(t, err)
	require.NoError(t, indexer.Add(newItem(t, eshelpers.Action{Index: "idx"}, `{}`)))

	_, err = indexer.Flush(context.Background())
	var errFailed eshelpers.ErrorFlushFailed
	require.True(t, errors.As(err, &errFailed))
	assert.Equal(t, http.StatusServiceUnavailable, errFailed.StatusCode())
	assert.Contains(t, err.Error(), "cluster_block_exception")
	assert.Equal(t, 0, indexer.Items())
}

func TestBulkIndexerItemCountMismatch(t *testing.T) {
	client := eshelperstest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := eshelperstest.DecodeBulkRequest(r)
		result.Items = result.Items[:1]
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := eshelpers.NewBulkIndexer(eshelpers.BulkIndexerConfig{Client: client})
	require.NoError(t, err)
	require.NoError(t, indexer.Add(newItem(t, eshelpers.Action{Index: "idx"}, `{}`)))
	require.NoError(t, indexer.Add(newItem(t, eshelpers.Action{Index: "idx"}, `{}`)))

	_, err = indexer.Flush(context.Background())
	assert.EqualError(t, err, "bulk response has 1 items, expected 2")
}

func TestBulkIndexerPipeline(t *testing.T) {
	client := eshelperstest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "my-pipeline", r.URL.Query().Get("pipeline"))
		_, result := eshelperstest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := eshelpers.NewBulkIndexer(eshelpers.BulkIndexerConfig{
		Client:   client,
		Pipeline: "my-pipeline",
	})
	require.NoError(t, err)
	require.NoError(t, indexer.Add(newItem(t, eshelpers.Action{Index: "idx"}, `{}`)))
	_, err = indexer.Flush(context.Background())
	require.NoError(t, err)
}

func TestBulkIndexerAddUnencoded(t *testing.T) {
	indexer, err := eshelpers.NewBulkIndexer(eshelpers.BulkIndexerConfig{
		Client: eshelperstest.NewMockElasticsearchClient(t, nil),
	})
	require.NoError(t, err)
	assert.Error(t, indexer.Add(eshelpers.BulkIndexerItem{Document: []byte(`{}`)}))
}
