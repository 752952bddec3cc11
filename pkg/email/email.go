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

// Package email is the mail dispatch port of the key directory: templated
// verification messages keyed by user ID and nonce, sent over SMTP.
package email // import "github.com/SimonVareille/keyserver/pkg/email"

import (
	"context"
	"fmt"
	"strings"
	"text/template"
)

// Template names a message template.
type Template string

const (
	// TemplateVerifyKey challenges a user ID to prove ownership of its
	// email address after an upload.
	TemplateVerifyKey Template = "verifyKey"
	// TemplateVerifyRemove challenges a user ID before removal.
	TemplateVerifyRemove Template = "verifyRemove"
	// TemplateCheckNewSigs tells the key owner that third-party
	// certifications await confirmation.
	TemplateCheckNewSigs Template = "checkNewSigs"
)

// Message is one outgoing mail. Origin is the externally visible base
// URL of the service (scheme and authority, no trailing slash); the
// template builds the confirmation link from it.
type Message struct {
	Template Template
	Name     string
	Email    string
	KeyID    string
	Nonce    string
	Origin   string

	// PublicKeyArmored optionally carries the armored key covered by
	// the challenge, for inclusion in the message.
	PublicKeyArmored string
}

// Mailer sends verification messages. Implementations must not return
// before the message has been handed to the transport; the directory
// relies on send failures to abort persistence.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

const (
	verifyKeySubject = "Verify your email address"
	verifyKeyBody    = `Hello{{if .Name}} {{.Name}}{{end}},

a PGP key with the ID {{.KeyID}} and your email address {{.Email}} was
uploaded to this key directory. To publish the key for your address,
please verify that you own it by opening this link:

{{.Origin}}/api/v1/key?op=verify&keyId={{.KeyID}}&nonce={{.Nonce}}

If you did not upload this key, you can ignore this message; the entry
will be purged automatically.
{{if .PublicKeyArmored}}
The uploaded key:

{{.PublicKeyArmored}}{{end}}`

	verifyRemoveSubject = "Confirm the removal of your key"
	verifyRemoveBody    = `Hello{{if .Name}} {{.Name}}{{end}},

the removal of your email address {{.Email}} from the key with the ID
{{.KeyID}} was requested. To confirm, open this link:

{{.Origin}}/api/v1/key?op=verifyRemove&keyId={{.KeyID}}&nonce={{.Nonce}}

If you did not request the removal, you can ignore this message.`

	checkNewSigsSubject = "New signatures await your confirmation"
	checkNewSigsBody    = `Hello{{if .Name}} {{.Name}}{{end}},

an upload added new third-party signatures to your key {{.KeyID}}. They
will only be published after your confirmation. Review and confirm them
here:

{{.Origin}}/api/v1/key?op=checkSignatures&keyId={{.KeyID}}&nonce={{.Nonce}}

If you did not expect new signatures, you can ignore this message.`
)

var templates = map[Template]struct {
	subject string
	body    *template.Template
}{
	TemplateVerifyKey:    {verifyKeySubject, template.Must(template.New(string(TemplateVerifyKey)).Parse(verifyKeyBody))},
	TemplateVerifyRemove: {verifyRemoveSubject, template.Must(template.New(string(TemplateVerifyRemove)).Parse(verifyRemoveBody))},
	TemplateCheckNewSigs: {checkNewSigsSubject, template.Must(template.New(string(TemplateCheckNewSigs)).Parse(checkNewSigsBody))},
}

// Render produces the subject and plain-text body for msg.
func Render(msg *Message) (subject, body string, err error) {
	tpl, ok := templates[msg.Template]
	if !ok {
		return "", "", fmt.Errorf("email: unknown template %q", msg.Template)
	}
	var sb strings.Builder
	if err := tpl.body.Execute(&sb, msg); err != nil {
		return "", "", fmt.Errorf("email: rendering %q: %w", msg.Template, err)
	}
	return tpl.subject, sb.String(), nil
}
