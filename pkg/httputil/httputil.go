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

// Package httputil contains JSON response and error helpers for the
// key server's HTTP handlers.
package httputil // import "github.com/SimonVareille/keyserver/pkg/httputil"

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// An httpCoder is an error that knows which HTTP status it maps to.
type httpCoder interface {
	HTTPCode() int
}

// An exposer is an error that knows whether its message is safe to echo
// to clients.
type exposer interface {
	Expose() bool
}

// ReturnJSON writes m as the JSON response body with a 200 status.
func ReturnJSON(rw http.ResponseWriter, m any) {
	ReturnJSONCode(rw, http.StatusOK, m)
}

// ReturnJSONCode writes m as the JSON response body with the given
// status code.
func ReturnJSONCode(rw http.ResponseWriter, code int, m any) {
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		logrus.WithError(err).Error("JSON encoding of response failed")
		http.Error(rw, "JSON encoding error", http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.Header().Set("Content-Length", fmt.Sprint(len(body)+1))
	rw.WriteHeader(code)
	rw.Write(body)
	rw.Write([]byte("\n"))
}

// ServeJSONError writes err as a JSON error body of the form
// {"message": ...}. The status comes from the first HTTPCode in err's
// chain, defaulting to 500; messages of errors that do not opt in via
// Expose are replaced by the generic status text.
func ServeJSONError(rw http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var hc httpCoder
	if errors.As(err, &hc) {
		code = hc.HTTPCode()
	}
	msg := http.StatusText(code)
	var ex exposer
	if errors.As(err, &ex) && ex.Expose() {
		msg = err.Error()
	}
	if code >= 500 {
		logrus.WithError(err).Error("request failed")
	}
	ReturnJSONCode(rw, code, map[string]any{"message": msg})
}

// BadRequestError writes a 400 JSON error with the formatted message.
func BadRequestError(rw http.ResponseWriter, format string, args ...any) {
	ReturnJSONCode(rw, http.StatusBadRequest, map[string]any{
		"message": fmt.Sprintf(format, args...),
	})
}
