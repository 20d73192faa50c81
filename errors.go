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
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

var (
	// ErrMissingOnDocument is returned when a BulkConfig has no OnDocument.
	ErrMissingOnDocument = errors.New("missing OnDocument func")

	// ErrMissingDatasource is returned from Ingest when called without a
	// Datasource.
	ErrMissingDatasource = errors.New("missing datasource")

	errMissingIndex = errors.New("missing index name")
)

// ErrorFlushFailed is returned when a bulk request as a whole was rejected
// by Elasticsearch. It aborts the ingestion.
type ErrorFlushFailed struct {
	resp        string
	statusCode  int
	tooMany     bool
	clientError bool
	serverError bool
}

func newErrorFlushFailed(statusCode int, resp string) ErrorFlushFailed {
	return ErrorFlushFailed{
		resp:        resp,
		statusCode:  statusCode,
		tooMany:     statusCode == http.StatusTooManyRequests,
		clientError: statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests,
		serverError: statusCode >= 500,
	}
}

// StatusCode returns the HTTP status code of the bulk response.
func (e ErrorFlushFailed) StatusCode() int {
	return e.statusCode
}

func (e ErrorFlushFailed) Error() string {
	return fmt.Sprintf("flush failed (%d): %s", e.statusCode, e.resp)
}

// ResponseError is returned when a search, scroll or refresh request
// receives an error response.
type ResponseError struct {
	StatusCode int
	Type       string
	Reason     string
}

func (e *ResponseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("elasticsearch error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("elasticsearch error (%d): %s: %s", e.StatusCode, e.Type, e.Reason)
}

// newResponseError extracts the error cause from an Elasticsearch error
// body. Bodies that are not JSON leave Type empty.
func newResponseError(statusCode int, body []byte) *ResponseError {
	e := &ResponseError{StatusCode: statusCode}
	cause := gjson.GetBytes(body, "error")
	switch {
	case cause.IsObject():
		e.Type = cause.Get("type").String()
		e.Reason = cause.Get("reason").String()
	case cause.Type == gjson.String:
		e.Reason = cause.String()
	}
	return e
}
