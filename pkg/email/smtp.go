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

package email

import (
	"context"
	"fmt"

	mail "github.com/wneessen/go-mail"
)

// SMTPOptions configures the SMTP mailer.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string

	// Sender is the From address; SenderName its display name.
	Sender     string
	SenderName string
}

type smtpMailer struct {
	client *mail.Client
	opts   SMTPOptions
}

// NewSMTPMailer returns a Mailer delivering over SMTP. Authentication is
// used when a username is configured; TLS is opportunistic.
func NewSMTPMailer(opts SMTPOptions) (Mailer, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("email: SMTP host not configured")
	}
	if opts.Sender == "" {
		return nil, fmt.Errorf("email: SMTP sender not configured")
	}
	copts := []mail.Option{
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if opts.Port != 0 {
		copts = append(copts, mail.WithPort(opts.Port))
	}
	if opts.Username != "" {
		copts = append(copts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password),
		)
	}
	client, err := mail.NewClient(opts.Host, copts...)
	if err != nil {
		return nil, fmt.Errorf("email: creating SMTP client: %w", err)
	}
	return &smtpMailer{client: client, opts: opts}, nil
}

func (m *smtpMailer) Send(ctx context.Context, msg *Message) error {
	subject, body, err := Render(msg)
	if err != nil {
		return err
	}
	mm := mail.NewMsg()
	if err := mm.FromFormat(m.opts.SenderName, m.opts.Sender); err != nil {
		return fmt.Errorf("email: invalid sender %q: %w", m.opts.Sender, err)
	}
	if err := mm.AddToFormat(msg.Name, msg.Email); err != nil {
		return fmt.Errorf("email: invalid recipient %q: %w", msg.Email, err)
	}
	mm.Subject(subject)
	mm.SetBodyString(mail.TypeTextPlain, body)
	if err := m.client.DialAndSendWithContext(ctx, mm); err != nil {
		return fmt.Errorf("email: sending %s to %s: %w", msg.Template, msg.Email, err)
	}
	return nil
}
