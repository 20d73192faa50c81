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

// Package eshelpers provides streaming helpers on top of the
// go-elasticsearch low-level API: bulk ingestion of large or unbounded
// document streams, and paging through large result sets with scroll
// cursors.
//
// BulkIngester reads a Datasource one record at a time and indexes it
// through concurrent, size-bounded bulk requests. Documents rejected by
// Elasticsearch are retried or reported individually; only a failure of a
// whole bulk request aborts the ingestion.
//
// Scroller exposes the pages of a scroll search, or the individual hits
// across pages, as pull iterators or as range-over-func sequences. The
// scroll cursor is released as soon as iteration stops.
package eshelpers
