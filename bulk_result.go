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
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// BulkItemResult describes the outcome of a single bulk action.
type BulkItemResult struct {
	Action   Action
	Document []byte
	Status   int
	Error    ItemError

	// Retries holds the number of times the action was retried.
	Retries int
}

// ItemError holds the error Elasticsearch reported for a bulk item.
type ItemError struct {
	Type   string
	Reason string
}

// BulkSummary holds the result of an Ingest call.
type BulkSummary struct {
	// Total holds the number of actions, Successful + Failed.
	Total int64
	// Successful holds the number of actions that succeeded, including
	// those that needed retries and those counted in Noop.
	Successful int64
	// Noop holds the number of successful actions that had no effect.
	Noop int64
	// Failed holds the number of actions that permanently failed.
	Failed int64
	// Retried holds the number of times an action was scheduled for retry.
	Retried int64
	// BulkRequests holds the number of bulk requests completed.
	BulkRequests int64
	// Bytes holds the number of uncompressed bytes sent.
	Bytes    int64
	Duration time.Duration

	// FailedItems holds every permanently failed action, when
	// BulkConfig.RetainFailedItems is set.
	FailedItems []BulkItemResult
}

type retryItem struct {
	item BulkIndexerItem
	due  time.Time
}

// resultAggregator folds bulk responses of one Ingest call into a
// BulkSummary, and holds the documents waiting to be retried. It is shared
// between the batching loop and the flush goroutines.
type resultAggregator struct {
	maxRetries    int
	retryStatuses []int
	newBackoff    func() backoff.BackOff
	onDrop        func(BulkItemResult)
	retainFailed  bool

	// wake is signalled whenever a flush completes.
	wake chan struct{}

	mu       sync.Mutex
	summary  BulkSummary
	retries  []retryItem
	inflight int
}

func newResultAggregator(cfg BulkConfig) *resultAggregator {
	return &resultAggregator{
		maxRetries:    cfg.MaxDocumentRetries,
		retryStatuses: cfg.RetryOnDocumentStatus,
		newBackoff:    cfg.RetryBackoff,
		onDrop:        cfg.OnDrop,
		retainFailed:  cfg.RetainFailedItems,
		wake:          make(chan struct{}, 1),
	}
}

func (a *resultAggregator) flushStarted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inflight++
}

// flushAborted releases a flush which produced no response.
func (a *resultAggregator) flushAborted() {
	a.mu.Lock()
	a.inflight--
	a.mu.Unlock()
	a.notify()
}

// flushCompleted records the response of a flush and schedules retries.
// It returns the number of retried documents and the dropped ones.
func (a *resultAggregator) flushCompleted(resp BulkIndexerResponseStat, uncompressed int, now time.Time) (retried int64, dropped []BulkItemResult) {
	a.mu.Lock()
	defer a.notify()
	defer a.mu.Unlock()

	a.inflight--
	a.summary.BulkRequests++
	a.summary.Bytes += int64(uncompressed)
	a.summary.Successful += resp.Indexed
	a.summary.Noop += resp.Noop
	for _, doc := range resp.FailedDocs {
		item := doc.Item
		if a.retryable(doc) {
			if item.backoff == nil {
				item.backoff = a.newBackoff()
			}
			if delay := item.backoff.NextBackOff(); delay != backoff.Stop {
				item.retries++
				a.retries = append(a.retries, retryItem{item: item, due: now.Add(delay)})
				a.summary.Retried++
				retried++
				continue
			}
		}
		result := BulkItemResult{
			Action:   item.Action,
			Document: item.Document,
			Status:   doc.Status,
			Error:    ItemError{Type: doc.Error.Type, Reason: doc.Error.Reason},
			Retries:  item.retries,
		}
		a.summary.Failed++
		dropped = append(dropped, result)
		if a.retainFailed {
			a.summary.FailedItems = append(a.summary.FailedItems, result)
		}
		if a.onDrop != nil {
			a.onDrop(result)
		}
	}
	return retried, dropped
}

func (a *resultAggregator) retryable(doc BulkIndexerResponseItem) bool {
	return doc.Item.retries < a.maxRetries && slices.Contains(a.retryStatuses, doc.Status)
}

// takeDue removes and returns the retries due at now, oldest first, and
// the time the next pending retry is due, if any.
func (a *resultAggregator) takeDue(now time.Time) (due []BulkIndexerItem, next time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.retries) == 0 {
		return nil, time.Time{}
	}
	slices.SortStableFunc(a.retries, func(x, y retryItem) int {
		return x.due.Compare(y.due)
	})
	n := 0
	for n < len(a.retries) && !a.retries[n].due.After(now) {
		due = append(due, a.retries[n].item)
		n++
	}
	a.retries = slices.Delete(a.retries, 0, n)
	if len(a.retries) > 0 {
		next = a.retries[0].due
	}
	return due, next
}

// idle reports whether no flush is in flight and no retry is pending.
func (a *resultAggregator) idle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight == 0 && len(a.retries) == 0
}

func (a *resultAggregator) result() BulkSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.summary
	s.Total = s.Successful + s.Failed
	return s
}

func (a *resultAggregator) notify() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}
