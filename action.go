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
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"go.elastic.co/fastjson"
)

// Operation is a bulk action type.
type Operation string

const (
	OperationIndex  Operation = "index"
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Action describes the bulk operation to perform for one datasource record.
type Action struct {
	// Operation defaults to OperationIndex.
	Operation Operation

	// Index overrides BulkConfig.Index.
	Index string

	DocumentID string
	Routing    string
	Pipeline   string

	RequireAlias bool

	// RetryOnConflict is only sent for update actions.
	RetryOnConflict int

	// DocAsUpsert is only used for update actions without a Body.
	DocAsUpsert bool

	// Body replaces the record as the document sent to Elasticsearch. For
	// update actions it holds the full update request body, for example a
	// scripted update; when nil the record is sent as a partial document.
	Body []byte
}

// OnDocumentFunc returns the Action for a datasource record.
type OnDocumentFunc func(record []byte) (Action, error)

// actionEncoder encodes datasource records into bulk items. It is not safe
// for concurrent use.
type actionEncoder struct {
	onDocument OnDocumentFunc
	index      string
	jsonw      fastjson.Writer
}

func newActionEncoder(onDocument OnDocumentFunc, defaultIndex string) *actionEncoder {
	return &actionEncoder{onDocument: onDocument, index: defaultIndex}
}

func (e *actionEncoder) encode(record []byte) (BulkIndexerItem, error) {
	action, err := e.onDocument(record)
	if err != nil {
		return BulkIndexerItem{}, fmt.Errorf("OnDocument failed: %w", err)
	}
	if action.Index == "" {
		action.Index = e.index
	}
	return encodeItem(&e.jsonw, action, record)
}

// NewBulkIndexerItem encodes action and document into a BulkIndexerItem.
func NewBulkIndexerItem(action Action, document []byte) (BulkIndexerItem, error) {
	var w fastjson.Writer
	return encodeItem(&w, action, document)
}

func encodeItem(w *fastjson.Writer, action Action, record []byte) (BulkIndexerItem, error) {
	if action.Operation == "" {
		action.Operation = OperationIndex
	}
	switch action.Operation {
	case OperationIndex, OperationCreate, OperationUpdate, OperationDelete:
	default:
		return BulkIndexerItem{}, fmt.Errorf("unknown bulk operation %q", action.Operation)
	}
	if action.Index == "" {
		return BulkIndexerItem{}, errMissingIndex
	}
	document := record
	if action.Body != nil {
		document = action.Body
	}
	if action.Operation != OperationDelete && len(bytes.TrimSpace(document)) == 0 {
		return BulkIndexerItem{}, errors.New("missing document body")
	}

	w.Reset()
	writeMeta(w, action)
	item := BulkIndexerItem{
		Action: action,
		meta:   append([]byte(nil), w.Bytes()...),
	}
	// Records may live in a buffer owned by the datasource, so nothing
	// below may keep a reference to them.
	item.Action.Body = nil
	if action.Operation == OperationDelete {
		return item, nil
	}

	doc, err := singleLine(document)
	if err != nil {
		return BulkIndexerItem{}, err
	}
	w.Reset()
	if action.Operation == OperationUpdate && action.Body == nil {
		w.RawString(`{"doc":`)
		w.RawBytes(doc)
		if action.DocAsUpsert {
			w.RawString(`,"doc_as_upsert":true`)
		}
		w.RawByte('}')
	} else {
		w.RawBytes(doc)
	}
	w.RawByte('\n')
	item.body = append([]byte(nil), w.Bytes()...)
	if action.Operation == OperationUpdate && action.Body == nil {
		item.Document = append([]byte(nil), doc...)
	} else {
		item.Document = item.body[:len(item.body)-1]
	}
	return item, nil
}

func writeMeta(w *fastjson.Writer, action Action) {
	w.RawString(`{"`)
	w.RawString(string(action.Operation))
	w.RawString(`":{"_index":`)
	w.String(action.Index)
	if action.DocumentID != "" {
		w.RawString(`,"_id":`)
		w.String(action.DocumentID)
	}
	if action.Routing != "" {
		w.RawString(`,"routing":`)
		w.String(action.Routing)
	}
	if action.Pipeline != "" {
		w.RawString(`,"pipeline":`)
		w.String(action.Pipeline)
	}
	if action.RequireAlias {
		w.RawString(`,"require_alias":true`)
	}
	if action.Operation == OperationUpdate && action.RetryOnConflict > 0 {
		w.RawString(`,"retry_on_conflict":`)
		w.Int64(int64(action.RetryOnConflict))
	}
	w.RawString("}}\n")
}

// singleLine returns doc without surrounding whitespace, compacting it when
// it spans several lines, which the NDJSON bulk body cannot carry.
func singleLine(doc []byte) ([]byte, error) {
	doc = bytes.TrimSpace(doc)
	if !bytes.ContainsAny(doc, "\r\n") {
		return doc, nil
	}
	if !gjson.ValidBytes(doc) {
		return nil, errors.New("invalid multi-line document")
	}
	return pretty.Ugly(doc), nil
}
