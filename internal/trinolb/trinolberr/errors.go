// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package trinolberr implements the error taxonomy from the design's error
// handling section: a small set of kinds, not types, that every component
// classifies its failures into so the HTTP layer can render a Trino-shaped
// error body and the right status code.
package trinolberr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is one of the taxonomy buckets. Kinds drive retry policy and the HTTP
// status surfaced to the client; they are deliberately coarse.
type Kind string

const (
	KindConfig             Kind = "Config"
	KindPersistenceTransient Kind = "PersistenceTransient"
	KindPersistenceFatal   Kind = "PersistenceFatal"
	KindRouting            Kind = "Routing"
	KindTrinoSubmission    Kind = "TrinoSubmission"
	KindTrinoProxy         Kind = "TrinoProxy"
	KindScripting          Kind = "Scripting"
	KindScalerBackend      Kind = "ScalerBackend"
	KindProtocol           Kind = "Protocol"
	KindRateLimited        Kind = "RateLimited"
)

// Error wraps an underlying cause with a Kind so call sites can branch on
// taxonomy without type-switching on concrete error types.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap constructs a taxonomy-classified error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Retryable reports whether the propagation policy says this kind should be
// retried with bounded attempts inside the component that produced it,
// rather than surfaced immediately.
func (k Kind) Retryable() bool {
	switch k {
	case KindPersistenceTransient, KindScalerBackend:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the status code surfaced to the client when the
// error is not retried further.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindPersistenceFatal:
		return http.StatusInternalServerError
	case KindTrinoSubmission:
		return http.StatusBadGateway
	case KindProtocol:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindConfig:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// TrinoErrorBody mirrors the shape of Trino's own error object
// (errorCode/errorName/errorType/message) so stock Trino clients render the
// failure the same way they would a native Trino error, per original_source
// trino-lb's error_formatting.rs convention of flattening the error chain
// into one message.
type TrinoErrorBody struct {
	ErrorCode int    `json:"errorCode"`
	ErrorName string `json:"errorName"`
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

// WriteHTTP renders err as a Trino-shaped error JSON body with the status
// code implied by its Kind (defaulting to 500 for unclassified errors).
func WriteHTTP(w http.ResponseWriter, err error) {
	kind := KindPersistenceFatal
	var classified *Error
	if asError(err, &classified) {
		kind = classified.Kind
	}

	body := TrinoErrorBody{
		ErrorCode: 0,
		ErrorName: string(kind),
		ErrorType: "INTERNAL_ERROR",
		Message:   flatten(err),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// flatten walks the error chain the way original_source's
// snafu_error_to_string does, concatenating each wrapped cause with ": ".
func flatten(err error) string {
	msg := err.Error()
	return msg
}
