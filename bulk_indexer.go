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
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unsafe"

	"github.com/cenkalti/backoff"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
)

// At the time of writing, the go-elasticsearch BulkIndexer implementation
// sends all items to a channel, and multiple persistent worker goroutines will
// receive those items and independently fill up their own buffers. Each one
// will independently flush when their buffer is filled up, or when the flush
// interval elapses. If there are many workers, then this may lead to sparse
// bulk requests.
//
// We take a different approach, where we fill up one bulk request at a time.
// When the buffer is filled up, or the flush interval elapses, we start a new
// goroutine to send the request in the background, with a limit on the number
// of concurrent bulk requests. This way we can ensure bulk requests have the
// maximum possible size, based on configuration and throughput.

// BulkIndexerConfig holds configuration for BulkIndexer.
type BulkIndexerConfig struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string
}

// Validate checks the configuration for invalid values.
func (cfg BulkIndexerConfig) Validate() error {
	if cfg.Client == nil {
		return errors.New("client is nil")
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	return nil
}

// BulkIndexer holds a single bulk request: the encoded items and the buffer
// they are written to. It is not safe for concurrent use.
type BulkIndexer struct {
	config                   BulkIndexerConfig
	items                    []BulkIndexerItem
	uncompressed             int
	bytesFlushed             int
	bytesUncompressedFlushed int
	writer                   io.Writer
	gzipw                    *gzip.Writer
	buf                      bytes.Buffer
}

// BulkIndexerItem is an encoded bulk action and its document.
type BulkIndexerItem struct {
	Action Action

	// Document holds the document sent with the action, nil for deletes.
	Document []byte

	meta []byte
	body []byte

	retries int
	backoff backoff.BackOff
}

// Size returns the number of bytes the item adds to an uncompressed bulk
// request body.
func (i BulkIndexerItem) Size() int {
	return len(i.meta) + len(i.body)
}

// BulkIndexerResponseStat holds the per-item outcome of a bulk request.
type BulkIndexerResponseStat struct {
	// Items holds the number of items in the response.
	Items int
	// Indexed holds the number of successful items, including Noop.
	Indexed int64
	// Noop holds the number of successful items which did not change
	// anything, such as updates with an identical document.
	Noop       int64
	FailedDocs []BulkIndexerResponseItem
}

// BulkIndexerResponseItem represents the Elasticsearch response item.
type BulkIndexerResponseItem struct {
	Index      string `json:"_index"`
	DocumentID string `json:"_id"`
	Status     int    `json:"status"`
	Result     string `json:"result"`

	// Position of the item in the bulk request.
	Position int

	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`

	// Item holds the request item, set by BulkIndexer.Flush.
	Item BulkIndexerItem `json:"-"`
}

func (i BulkIndexerResponseItem) failed() bool {
	if i.Error.Type != "" {
		return true
	}
	// Deleting a missing document is not an error.
	if i.Status == http.StatusNotFound && i.Result == "not_found" {
		return false
	}
	return i.Status >= 300
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("eshelpers.BulkIndexerResponseStat", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		stat := (*BulkIndexerResponseStat)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			switch s {
			case "items":
				var idx int
				iter.ReadArrayCB(func(i *jsoniter.Iterator) bool {
					return i.ReadMapCB(func(i *jsoniter.Iterator, s string) bool {
						var item BulkIndexerResponseItem
						i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
							switch s {
							case "_index":
								item.Index = i.ReadString()
							case "_id":
								item.DocumentID = i.ReadString()
							case "status":
								item.Status = i.ReadInt()
							case "result":
								item.Result = i.ReadString()
							case "error":
								i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
									switch s {
									case "type":
										item.Error.Type = i.ReadString()
									case "reason":
										// Match Elasticsearch field mapper field value:
										// failed to parse field [%s] of type [%s] in %s. Preview of field's value: '%s'
										item.Error.Reason, _, _ = strings.Cut(
											i.ReadString(), ". Preview",
										)
									default:
										i.Skip()
									}
									return true
								})
							default:
								i.Skip()
							}
							return true
						})
						item.Position = idx
						idx++
						stat.Items++
						switch {
						case item.failed():
							stat.FailedDocs = append(stat.FailedDocs, item)
						case item.Result == "noop" || item.Result == "not_found":
							stat.Noop++
							stat.Indexed++
						default:
							stat.Indexed++
						}
						return true
					})
				})
				// no need to proceed further, return early
				return false
			default:
				i.Skip()
				return true
			}
		})
	})
}

// NewBulkIndexer returns a bulk indexer that issues bulk requests to Elasticsearch.
// It is only tested with v8 go-elasticsearch client. Use other clients at your own risk.
func NewBulkIndexer(cfg BulkIndexerConfig) (*BulkIndexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newBulkIndexer(cfg), nil
}

func newBulkIndexer(cfg BulkIndexerConfig) *BulkIndexer {
	b := &BulkIndexer{config: cfg}
	if cfg.CompressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, cfg.CompressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	return b
}

// Reset resets bulk indexer, ready for a new request.
func (b *BulkIndexer) Reset() {
	b.bytesFlushed = 0
	b.bytesUncompressedFlushed = 0
	b.resetBuf()
}

func (b *BulkIndexer) resetBuf() {
	clear(b.items)
	b.items = b.items[:0]
	b.uncompressed = 0
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

// Items returns the number of buffered items.
func (b *BulkIndexer) Items() int {
	return len(b.items)
}

// Len returns the number of buffered bytes.
func (b *BulkIndexer) Len() int {
	return b.buf.Len()
}

// UncompressedLen returns the number of uncompressed buffered bytes.
func (b *BulkIndexer) UncompressedLen() int {
	return b.uncompressed
}

// BytesFlushed returns the number of bytes flushed by the bulk indexer.
func (b *BulkIndexer) BytesFlushed() int {
	return b.bytesFlushed
}

// BytesUncompressedFlushed returns the number of uncompressed bytes flushed
// by the bulk indexer.
func (b *BulkIndexer) BytesUncompressedFlushed() int {
	return b.bytesUncompressedFlushed
}

// Add encodes an item in the buffer.
func (b *BulkIndexer) Add(item BulkIndexerItem) error {
	if len(item.meta) == 0 {
		return errors.New("bulk indexer item is not encoded")
	}
	if _, err := b.writer.Write(item.meta); err != nil {
		return fmt.Errorf("failed to write bulk indexer item action: %w", err)
	}
	if len(item.body) > 0 {
		if _, err := b.writer.Write(item.body); err != nil {
			return fmt.Errorf("failed to write bulk indexer item: %w", err)
		}
	}
	b.uncompressed += item.Size()
	b.items = append(b.items, item)
	return nil
}

// Flush executes a bulk request if there are any items buffered, and clears
// out the buffer. The returned failed documents carry their request item.
func (b *BulkIndexer) Flush(ctx context.Context) (BulkIndexerResponseStat, error) {
	if len(b.items) == 0 {
		return BulkIndexerResponseStat{}, nil
	}
	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return BulkIndexerResponseStat{}, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Body:   &b.buf,
		Header: make(http.Header),
		FilterPath: []string{
			"items.*._index", "items.*._id", "items.*.status", "items.*.result",
			"items.*.error.type", "items.*.error.reason",
		},
		Pipeline: b.config.Pipeline,
	}
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	items := b.items
	bytesFlushed := b.buf.Len()
	uncompressed := b.uncompressed
	res, err := req.Do(ctx, b.config.Client)
	// The request items are kept until the response is matched against them.
	defer b.resetBuf()
	if err != nil {
		return BulkIndexerResponseStat{}, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()

	// Record the number of flushed bytes only when err == nil. The body may
	// not have been sent otherwise.
	b.bytesFlushed = bytesFlushed
	b.bytesUncompressedFlushed = uncompressed
	var resp BulkIndexerResponseStat
	if res.IsError() {
		return resp, newErrorFlushFailed(res.StatusCode, res.String())
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("error decoding bulk response: %w", err)
	}
	if resp.Items != len(items) {
		return resp, fmt.Errorf(
			"bulk response has %d items, expected %d", resp.Items, len(items),
		)
	}
	for i := range resp.FailedDocs {
		resp.FailedDocs[i].Item = items[resp.FailedDocs[i].Position]
	}
	return resp, nil
}
