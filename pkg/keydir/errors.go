/*
Copyright 2026 The Keyserver Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package keydir

import "net/http"

// Error is a directory failure with an associated HTTP status. Errors
// with a 4xx status are safe to echo to clients; 5xx messages are
// generic and the cause is carried in the wrapped chain.
type Error struct {
	code int
	msg  string
}

func (e *Error) Error() string { return e.msg }

// HTTPCode returns the HTTP status the error maps to.
func (e *Error) HTTPCode() int { return e.code }

// Expose reports whether the message may be echoed to clients.
func (e *Error) Expose() bool { return e.code < 500 }

var (
	ErrInvalidRequest     = &Error{http.StatusBadRequest, "invalid request"}
	ErrMalformedKey       = &Error{http.StatusBadRequest, "invalid PGP key: parsing failed"}
	ErrNoValidUserIDs     = &Error{http.StatusBadRequest, "invalid PGP key: no valid user IDs found"}
	ErrUserIDMismatch     = &Error{http.StatusBadRequest, "invalid PGP key: the requested email addresses and the key's user IDs do not match"}
	ErrNoOrganisationUID  = &Error{http.StatusBadRequest, "invalid PGP key: no user ID of the required domain found"}
	ErrUserIDNotFound     = &Error{http.StatusNotFound, "user ID not found"}
	ErrKeyNotFound        = &Error{http.StatusNotFound, "key not found"}
	ErrSignaturesNotFound = &Error{http.StatusNotFound, "no pending signatures found"}
	ErrInvalidNonce       = &Error{http.StatusForbidden, "invalid nonce"}
	ErrPersistFailed      = &Error{http.StatusInternalServerError, "persisting the key failed"}
	ErrInternalParse      = &Error{http.StatusInternalServerError, "internal key processing error"}
)
