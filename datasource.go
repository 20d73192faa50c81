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
	"bufio"
	"bytes"
	"context"
	"io"
)

// MaxLineSize is the longest record a lines datasource accepts.
const MaxLineSize = 16 * 1024 * 1024

// Datasource is a lazy, possibly unbounded sequence of raw records.
//
// Next returns the next record, or io.EOF once the sequence is exhausted.
// Implementations should return ctx.Err() when ctx is done while waiting
// for a record. The returned slice is only read until the following call
// to Next.
type Datasource interface {
	Next(ctx context.Context) ([]byte, error)
}

// DatasourceFunc adapts a function to the Datasource interface.
type DatasourceFunc func(ctx context.Context) ([]byte, error)

// Next calls f(ctx).
func (f DatasourceFunc) Next(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

type linesDatasource struct {
	scanner *bufio.Scanner
}

// NewLinesDatasource returns a Datasource yielding each non-blank line of r,
// for example an NDJSON file or a pipe.
//
// A blocked read on r cannot be interrupted by context cancellation; the
// cancellation is noticed once the read returns.
func NewLinesDatasource(r io.Reader) Datasource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &linesDatasource{scanner: scanner}
}

func (d *linesDatasource) Next(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) > 0 {
			return line, nil
		}
	}
}

type sliceDatasource struct {
	records [][]byte
	next    int
}

// NewSliceDatasource returns a Datasource yielding records in order.
func NewSliceDatasource(records ...[]byte) Datasource {
	return &sliceDatasource{records: records}
}

func (d *sliceDatasource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.next >= len(d.records) {
		return nil, io.EOF
	}
	record := d.records[d.next]
	d.next++
	return record, nil
}

type channelDatasource struct {
	ch <-chan []byte
}

// NewChannelDatasource returns a Datasource receiving records from ch. The
// datasource is exhausted once ch is closed.
func NewChannelDatasource(ch <-chan []byte) Datasource {
	return channelDatasource{ch: ch}
}

func (d channelDatasource) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case record, ok := <-d.ch:
		if !ok {
			return nil, io.EOF
		}
		return record, nil
	}
}
