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

	"golang.org/x/sync/semaphore"
)

// BulkIndexerPool leases BulkIndexer instances, limiting the number of
// indexers leased at any time. Every leased indexer is either being filled
// or being flushed, so the limit bounds the number of concurrent bulk
// requests. Returned indexers are kept for reuse, which avoids growing a
// new buffer for every request.
type BulkIndexerPool struct {
	sem      *semaphore.Weighted
	indexers chan *BulkIndexer
	config   BulkIndexerConfig
}

// NewBulkIndexerPool returns a new BulkIndexerPool leasing at most max
// indexers created with the given BulkIndexerConfig.
func NewBulkIndexerPool(max int, c BulkIndexerConfig) *BulkIndexerPool {
	if max <= 0 {
		max = 1
	}
	return &BulkIndexerPool{
		sem:      semaphore.NewWeighted(int64(max)),
		indexers: make(chan *BulkIndexer, max),
		config:   c,
	}
}

// Get returns an empty BulkIndexer. If the limit of leased indexers has
// been reached, it waits until one is returned or ctx is done.
func (p *BulkIndexerPool) Get(ctx context.Context) (*BulkIndexer, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	select {
	case idx := <-p.indexers:
		return idx, nil
	default:
		return newBulkIndexer(p.config), nil
	}
}

// Put resets the BulkIndexer and returns it to the pool, releasing its lease.
// After calling Put() no references to the indexer should be stored, since
// doing so may lead to undefined behavior and unintended memory sharing.
func (p *BulkIndexerPool) Put(indexer *BulkIndexer) {
	if indexer == nil {
		return // No indexer to store, nothing to do.
	}
	defer p.sem.Release(1)
	indexer.Reset()
	select {
	case p.indexers <- indexer: // Return to the pool for later reuse.
	default: // If the pool is full, discard the indexer.
	}
}
