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

// Package server exposes the key directory over HTTP: the JSON REST
// surface under /api/v1/key and the HTML pages the challenge links in
// verification emails land on.
package server // import "github.com/SimonVareille/keyserver/pkg/server"

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/SimonVareille/keyserver/pkg/httputil"
	"github.com/SimonVareille/keyserver/pkg/keydb"
	"github.com/SimonVareille/keyserver/pkg/keydir"
)

const keyPath = "/api/v1/key"

// Handler serves the public key API.
type Handler struct {
	dir *keydir.Directory

	// origin, when set, overrides per-request origin derivation in the
	// links embedded in outgoing emails.
	origin string

	log *logrus.Entry
}

// New returns a Handler over dir. origin may be empty, in which case
// challenge links use the scheme and host of the triggering request.
func New(dir *keydir.Directory, origin string) *Handler {
	return &Handler{
		dir:    dir,
		origin: origin,
		log:    logrus.WithField("component", "server"),
	}
}

// Router returns the configured route set, with request logging.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(keyPath, h.serveGet).Methods("GET")
	r.HandleFunc(keyPath, h.servePost).Methods("POST")
	r.HandleFunc(keyPath, h.serveDelete).Methods("DELETE")
	r.HandleFunc("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.Write([]byte("ok\n"))
	}).Methods("GET")
	r.Use(h.logRequests)
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: rw, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		h.log.WithFields(logrus.Fields{
			"method":   req.Method,
			"path":     req.URL.Path,
			"status":   sw.status,
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Info("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// requestOrigin returns the base URL to embed in challenge links.
func (h *Handler) requestOrigin(req *http.Request) string {
	if h.origin != "" {
		return h.origin
	}
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	if fp := req.Header.Get("X-Forwarded-Proto"); fp != "" {
		scheme = fp
	}
	return scheme + "://" + req.Host
}

// postBody is the JSON body of POST /api/v1/key: either a key upload or
// a confirmation of pending signatures, discriminated by op.
type postBody struct {
	Op               string   `json:"op,omitempty"`
	PublicKeyArmored string   `json:"publicKeyArmored,omitempty"`
	Emails           []string `json:"emails,omitempty"`
	KeyID            string   `json:"keyId,omitempty"`
	Nonce            string   `json:"nonce,omitempty"`
	Sig              []string `json:"sig,omitempty"`
}

func (h *Handler) servePost(rw http.ResponseWriter, req *http.Request) {
	var body postBody
	if err := json.NewDecoder(http.MaxBytesReader(rw, req.Body, 2<<20)).Decode(&body); err != nil {
		httputil.BadRequestError(rw, "invalid JSON body")
		return
	}
	switch body.Op {
	case "confirmSignatures":
		email, err := h.dir.VerifySignatures(req.Context(), body.KeyID, body.Nonce, body.Sig)
		if err != nil {
			httputil.ServeJSONError(rw, err)
			return
		}
		httputil.ReturnJSONCode(rw, http.StatusCreated, map[string]string{
			"message": "Signatures upload successful. The key of " + email + " has been updated.",
		})
	case "":
		err := h.dir.Put(req.Context(), &keydir.PutRequest{
			PublicKeyArmored: body.PublicKeyArmored,
			Emails:           body.Emails,
			Origin:           h.requestOrigin(req),
		})
		if err != nil {
			httputil.ServeJSONError(rw, err)
			return
		}
		httputil.ReturnJSONCode(rw, http.StatusCreated, map[string]string{
			"message": "Upload successful. Check your inbox to verify your email address.",
		})
	default:
		httputil.BadRequestError(rw, "unknown op %q", body.Op)
	}
}

func (h *Handler) serveGet(rw http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	switch op := q.Get("op"); op {
	case "verify":
		email, err := h.dir.Verify(req.Context(), q.Get("keyId"), q.Get("nonce"))
		if err != nil {
			serveHTMLError(rw, err)
			return
		}
		serveHTML(rw, http.StatusOK, verifyKeyPage, map[string]string{"Email": email})
	case "checkSignatures":
		h.serveCheckSignatures(rw, req)
	case "verifyRemove":
		uid, err := h.dir.VerifyRemove(req.Context(), q.Get("keyId"), q.Get("nonce"))
		if err != nil {
			serveHTMLError(rw, err)
			return
		}
		serveHTML(rw, http.StatusOK, verifyRemovePage, map[string]string{"Email": uid.Email})
	case "":
		h.serveLookup(rw, req)
	default:
		httputil.BadRequestError(rw, "unknown op %q", op)
	}
}

func (h *Handler) serveCheckSignatures(rw http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	keyID := q.Get("keyId")
	nonce := q.Get("nonce")
	pending, err := h.dir.PendingSignatures(req.Context(), keydb.Lookup{KeyID: keyID}, nonce)
	if err != nil {
		serveHTMLError(rw, err)
		return
	}
	serveHTML(rw, http.StatusOK, checkSignaturesPage, map[string]any{
		"KeyID":   keyID,
		"Nonce":   nonce,
		"Pending": pending,
	})
}

func (h *Handler) serveLookup(rw http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	lookup := keydb.Lookup{
		KeyID:       q.Get("keyId"),
		Fingerprint: q.Get("fingerprint"),
	}
	if email := q.Get("email"); email != "" {
		lookup.Emails = []string{email}
	}
	key, err := h.dir.Get(req.Context(), lookup)
	if err != nil {
		httputil.ServeJSONError(rw, err)
		return
	}
	httputil.ReturnJSON(rw, key)
}

func (h *Handler) serveDelete(rw http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	err := h.dir.RequestRemove(req.Context(), &keydir.RemoveRequest{
		KeyID:  q.Get("keyId"),
		Email:  q.Get("email"),
		Origin: h.requestOrigin(req),
	})
	if err != nil {
		httputil.ServeJSONError(rw, err)
		return
	}
	httputil.ReturnJSONCode(rw, http.StatusAccepted, map[string]string{
		"message": "Check your inbox to confirm the removal of the key.",
	})
}
