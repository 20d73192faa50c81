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

// Package eshelperstest provides an in-memory stand-in for the parts of
// the Elasticsearch API used by eshelpers: bulk, search with scroll,
// clear scroll and refresh.
package eshelperstest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// BulkAction is a decoded action of a /_bulk request.
type BulkAction struct {
	Operation string
	Index     string
	ID        string
	Routing   string
	Pipeline  string
	// Document holds the action's body line, nil for deletes.
	Document []byte
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded documents and a response body.
// Every item of the response is successful.
func DecodeBulkRequest(r *http.Request) ([][]byte, esutil.BulkIndexerResponse) {
	actions, result := DecodeBulkActions(r)
	var docs [][]byte
	for _, action := range actions {
		if action.Document != nil {
			docs = append(docs, action.Document)
		}
	}
	return docs, result
}

// DecodeBulkActions decodes a /_bulk request's body, returning the decoded
// actions and a response body in which every item is successful.
func DecodeBulkActions(r *http.Request) ([]BulkAction, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(nil, 64*1024*1024)
	var actions []BulkAction
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		meta := make(map[string]struct {
			Index    string `json:"_index"`
			ID       string `json:"_id"`
			Routing  string `json:"routing"`
			Pipeline string `json:"pipeline"`
		})
		if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
			panic(err)
		}
		var action BulkAction
		for op, m := range meta {
			action = BulkAction{
				Operation: op,
				Index:     m.Index,
				ID:        m.ID,
				Routing:   m.Routing,
				Pipeline:  m.Pipeline,
			}
		}
		status := http.StatusCreated
		if action.Operation == "delete" {
			status = http.StatusOK
		} else {
			if !scanner.Scan() {
				panic("expected source")
			}
			doc := append([]byte{}, scanner.Bytes()...)
			if !json.Valid(doc) {
				panic(fmt.Errorf("invalid JSON: %s", doc))
			}
			action.Document = doc
			if action.Operation == "update" {
				status = http.StatusOK
			}
		}
		actions = append(actions, action)

		item := esutil.BulkIndexerResponseItem{
			Index:      action.Index,
			DocumentID: action.ID,
			Status:     status,
		}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{action.Operation: item})
	}
	if err := scanner.Err(); err != nil {
		panic(err)
	}
	return actions, result
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	return NewServer(t, bulkHandler).Client(t)
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	})
}

// Server is an in-memory Elasticsearch. Documents are kept per index in
// insertion order, which is also the order in which they are searched.
type Server struct {
	URL string

	// Searches, Scrolls, Clears, Refreshes and Bulks count the requests
	// received by each endpoint.
	Searches  atomic.Int64
	Scrolls   atomic.Int64
	Clears    atomic.Int64
	Refreshes atomic.Int64
	Bulks     atomic.Int64

	bulkHandler http.HandlerFunc

	mu             sync.Mutex
	indices        map[string]*memIndex
	cursors        map[string]*cursor
	cursorSeq      int
	docSeq         int
	cleared        []string
	refreshed      [][]string
	failNextScroll int
	omitScrollID   bool
	legacyTotal    bool
}

type memIndex struct {
	ids  []string
	docs map[string]json.RawMessage
}

type cursor struct {
	hits []hitJSON
	pos  int
	size int
}

type hitJSON struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

// NewServer starts a Server, closed via t.Cleanup. Bulk requests are sent
// to bulkHandler; if it is nil, they are applied to the stored documents.
func NewServer(t testing.TB, bulkHandler http.HandlerFunc) *Server {
	s := &Server{
		indices: make(map[string]*memIndex),
		cursors: make(map[string]*cursor),
	}
	if bulkHandler == nil {
		bulkHandler = s.handleBulk
	}
	s.bulkHandler = bulkHandler

	mux := http.NewServeMux()
	HandleBulk(mux, func(w http.ResponseWriter, r *http.Request) {
		s.Bulks.Add(1)
		s.bulkHandler.ServeHTTP(w, r)
	})
	mux.HandleFunc("/_search", s.handleSearch)
	mux.HandleFunc("/{index}/_search", s.handleSearch)
	mux.HandleFunc("POST /_search/scroll", s.handleScroll)
	mux.HandleFunc("DELETE /_search/scroll", s.handleClearScroll)
	mux.HandleFunc("POST /{index}/_refresh", s.handleRefresh)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	s.URL = srv.URL
	return s
}

// Client returns an elasticsearch.Client sending requests to s.
func (s *Server) Client(t testing.TB) *elasticsearch.Client {
	config := elasticsearch.Config{}
	config.Addresses = []string{s.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// AddDocument stores doc in index under id.
func (s *Server) AddDocument(index, id string, doc json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(index, id, doc)
}

// Documents returns the documents of index, in insertion order.
func (s *Server) Documents(index string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indices[index]
	if !ok {
		return nil
	}
	docs := make([]json.RawMessage, 0, len(idx.ids))
	for _, id := range idx.ids {
		docs = append(docs, idx.docs[id])
	}
	return docs
}

// ClearedScrollIDs returns the scroll ids released so far.
func (s *Server) ClearedScrollIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cleared)
}

// OpenScrolls returns the number of scroll cursors not released yet.
func (s *Server) OpenScrolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}

// RefreshedIndices returns the indices of every refresh request.
func (s *Server) RefreshedIndices() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.refreshed)
}

// FailNextScroll makes the next scroll continuation fail with statusCode.
func (s *Server) FailNextScroll(statusCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextScroll = statusCode
}

// OmitScrollID stops returning scroll ids from search and scroll requests.
func (s *Server) OmitScrollID() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitScrollID = true
}

// LegacyTotal renders hits.total as a number, as Elasticsearch 6 does.
func (s *Server) LegacyTotal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacyTotal = true
}

func (s *Server) put(index, id string, doc json.RawMessage) {
	idx, ok := s.indices[index]
	if !ok {
		idx = &memIndex{docs: make(map[string]json.RawMessage)}
		s.indices[index] = idx
	}
	if _, ok := idx.docs[id]; !ok {
		idx.ids = append(idx.ids, id)
	}
	idx.docs[id] = doc
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	actions, result := DecodeBulkActions(r)
	s.mu.Lock()
	for i, action := range actions {
		item := result.Items[i][action.Operation]
		id := action.ID
		if id == "" {
			s.docSeq++
			id = "doc-" + strconv.Itoa(s.docSeq)
			item.DocumentID = id
		}
		switch action.Operation {
		case "index", "create":
			item.Result = "created"
			s.put(action.Index, id, action.Document)
		case "update":
			doc := action.Document
			if d := gjson.GetBytes(doc, "doc"); d.Exists() {
				doc = json.RawMessage(d.Raw)
			}
			item.Result = "updated"
			s.put(action.Index, id, doc)
		case "delete":
			idx, ok := s.indices[action.Index]
			if ok {
				_, ok = idx.docs[id]
			}
			if !ok {
				item.Status = http.StatusNotFound
				item.Result = "not_found"
				break
			}
			delete(idx.docs, id)
			idx.ids = slices.DeleteFunc(idx.ids, func(v string) bool { return v == id })
			item.Result = "deleted"
		}
		result.Items[i][action.Operation] = item
	}
	s.mu.Unlock()
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	s.Searches.Add(1)
	size := 10
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "illegal_argument_exception", err.Error())
			return
		}
		size = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	if index := r.PathValue("index"); index != "" {
		names = strings.Split(index, ",")
	} else {
		for name := range s.indices {
			names = append(names, name)
		}
		slices.Sort(names)
	}
	var hits []hitJSON
	for _, name := range names {
		idx, ok := s.indices[name]
		if !ok {
			writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+name+"]")
			return
		}
		for _, id := range idx.ids {
			hits = append(hits, hitJSON{Index: name, ID: id, Score: 1, Source: idx.docs[id]})
		}
	}
	c := &cursor{hits: hits, size: size}
	scrollID := ""
	if r.URL.Query().Get("scroll") != "" {
		s.cursorSeq++
		scrollID = "scroll-" + strconv.Itoa(s.cursorSeq)
		s.cursors[scrollID] = c
	}
	s.writePage(w, scrollID, c)
}

func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request) {
	s.Scrolls.Add(1)
	var body bytes.Buffer
	body.ReadFrom(r.Body)
	scrollID := gjson.GetBytes(body.Bytes(), "scroll_id").String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if status := s.failNextScroll; status != 0 {
		s.failNextScroll = 0
		writeError(w, status, "search_phase_execution_exception", "all shards failed")
		return
	}
	c, ok := s.cursors[scrollID]
	if !ok {
		writeError(w, http.StatusNotFound, "search_context_missing_exception", "No search context found for id ["+scrollID+"]")
		return
	}
	s.writePage(w, scrollID, c)
}

func (s *Server) handleClearScroll(w http.ResponseWriter, r *http.Request) {
	s.Clears.Add(1)
	var body bytes.Buffer
	body.ReadFrom(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	var freed int
	for _, id := range gjson.GetBytes(body.Bytes(), "scroll_id").Array() {
		s.cleared = append(s.cleared, id.String())
		if _, ok := s.cursors[id.String()]; ok {
			delete(s.cursors, id.String())
			freed++
		}
	}
	if freed == 0 {
		w.WriteHeader(http.StatusNotFound)
	}
	fmt.Fprintf(w, `{"succeeded":true,"num_freed":%d}`, freed)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.Refreshes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed = append(s.refreshed, strings.Split(r.PathValue("index"), ","))
	fmt.Fprint(w, `{"_shards":{"total":1,"successful":1,"failed":0}}`)
}

// writePage writes the next page of c. s.mu must be held.
func (s *Server) writePage(w http.ResponseWriter, scrollID string, c *cursor) {
	end := min(c.pos+c.size, len(c.hits))
	page := c.hits[c.pos:end]
	c.pos = end

	resp := map[string]any{
		"took":      1,
		"timed_out": false,
	}
	if scrollID != "" && !s.omitScrollID {
		resp["_scroll_id"] = scrollID
	}
	hits := map[string]any{
		"max_score": 1.0,
		"hits":      append([]hitJSON{}, page...),
	}
	if s.legacyTotal {
		hits["total"] = len(c.hits)
	} else {
		hits["total"] = map[string]any{"value": len(c.hits), "relation": "eq"}
	}
	resp["hits"] = hits
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, errorType, reason string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":  map[string]any{"type": errorType, "reason": reason},
		"status": status,
	})
}
