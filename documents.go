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
	"iter"
)

// DocumentIterator is a pull iterator over the hits of a scroll, page
// after page. It is not safe for concurrent use.
type DocumentIterator struct {
	pages *ScrollIterator
	hits  []Hit
	hit   Hit
}

// ScrollDocuments returns an iterator over the individual hits of req, in
// the order they are returned by the server.
//
// The iterator must be closed unless it was exhausted or failed.
func (s *Scroller) ScrollDocuments(ctx context.Context, req ScrollRequest) *DocumentIterator {
	return &DocumentIterator{pages: s.Scroll(ctx, req)}
}

// Next advances to the next hit, fetching a new page when the current one
// has been consumed.
func (d *DocumentIterator) Next() bool {
	for len(d.hits) == 0 {
		if !d.pages.Next() {
			d.hit = Hit{}
			return false
		}
		d.hits = d.pages.Page().Hits
	}
	d.hit = d.hits[0]
	d.hits = d.hits[1:]
	return true
}

// Hit returns the hit reached by the last successful call to Next.
func (d *DocumentIterator) Hit() Hit {
	return d.hit
}

// Err returns the error which ended the iteration, if any.
func (d *DocumentIterator) Err() error {
	return d.pages.Err()
}

// Close stops the iteration and releases the cursor.
func (d *DocumentIterator) Close() {
	d.hits = nil
	d.pages.Close()
}

// Documents returns the hits of req as a sequence. Breaking out of the
// loop stops paging and releases the cursor. A failure is yielded last.
func (s *Scroller) Documents(ctx context.Context, req ScrollRequest) iter.Seq2[Hit, error] {
	return func(yield func(Hit, error) bool) {
		it := s.ScrollDocuments(ctx, req)
		defer it.Close()
		for it.Next() {
			if !yield(it.Hit(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(Hit{}, err)
		}
	}
}
