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

package server

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"

	"github.com/sirupsen/logrus"
)

// The pages the challenge links in verification emails land on. Plain
// HTML, no assets; they are read once by a human following a link.

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{.Body}}
</body>
</html>
`))

var verifyKeyPage = template.Must(template.New("verifyKey").Parse(
	`<p>The email address <b>{{.Email}}</b> has been verified. The key is now searchable by this address.</p>`))

var verifyRemovePage = template.Must(template.New("verifyRemove").Parse(
	`<p>The user ID <b>{{.Email}}</b> has been removed from the key directory.</p>`))

var checkSignaturesPage = template.Must(template.New("checkSignatures").Parse(`
<p>The following signatures were uploaded for your key. Select the ones you
want to publish and confirm.</p>
<form method="POST" action="/api/v1/key" onsubmit="return submitSigs(this)">
{{range $userID, $sigs := .Pending}}
<h2>{{$userID}}</h2>
<ul>
{{range $sigs}}
<li><label><input type="checkbox" name="sig" value="{{.Hash}}" checked>
signed by {{.UserID}}{{if .IssuerFingerprint}} ({{.IssuerFingerprint}}){{end}}
on {{.Created.Format "2006-01-02"}}</label></li>
{{end}}
</ul>
{{end}}
<button type="submit">Publish selected signatures</button>
</form>
<script>
function submitSigs(form) {
	var sigs = [];
	form.querySelectorAll('input[name=sig]:checked').forEach(function(cb) {
		sigs.push(cb.value);
	});
	fetch('/api/v1/key', {
		method: 'POST',
		headers: {'Content-Type': 'application/json'},
		body: JSON.stringify({op: 'confirmSignatures', keyId: {{.KeyID}}, nonce: {{.Nonce}}, sig: sigs})
	}).then(function(resp) { return resp.json(); })
	  .then(function(body) { document.body.innerHTML = '<h1>' + body.message + '</h1>'; });
	return false;
}
</script>
`))

type pageData struct {
	Title string
	Body  template.HTML
}

func serveHTML(rw http.ResponseWriter, code int, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		logrus.WithError(err).Error("rendering HTML page failed")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.WriteHeader(code)
	pageTmpl.Execute(rw, pageData{Title: "Key Directory", Body: template.HTML(buf.String())})
}

// serveHTMLError renders a directory error as a page; challenge links
// are followed by humans in a browser, not by API clients.
func serveHTMLError(rw http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var hc interface{ HTTPCode() int }
	if errors.As(err, &hc) {
		code = hc.HTTPCode()
	}
	msg := http.StatusText(code)
	var ex interface{ Expose() bool }
	if errors.As(err, &ex) && ex.Expose() {
		msg = err.Error()
	}
	if code >= 500 {
		logrus.WithError(err).Error("request failed")
	}
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.WriteHeader(code)
	pageTmpl.Execute(rw, pageData{Title: "Error", Body: template.HTML(template.HTMLEscapeString(msg))})
}
