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
	"strings"
	"testing"
)

func TestRenderVerifyKey(t *testing.T) {
	subject, body, err := Render(&Message{
		Template:         TemplateVerifyKey,
		Name:             "Alice",
		Email:            "alice@example.com",
		KeyID:            "0123456789abcdef",
		Nonce:            "aaaabbbbccccddddaaaabbbbccccdddd",
		Origin:           "https://keys.example.com",
		PublicKeyArmored: "-----BEGIN PGP PUBLIC KEY BLOCK-----",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if subject == "" {
		t.Error("empty subject")
	}
	wantLink := "https://keys.example.com/api/v1/key?op=verify&keyId=0123456789abcdef&nonce=aaaabbbbccccddddaaaabbbbccccdddd"
	if !strings.Contains(body, wantLink) {
		t.Errorf("body lacks verification link %q:\n%s", wantLink, body)
	}
	if !strings.Contains(body, "Hello Alice") {
		t.Errorf("body lacks greeting:\n%s", body)
	}
	if !strings.Contains(body, "-----BEGIN PGP PUBLIC KEY BLOCK-----") {
		t.Errorf("body lacks the uploaded key")
	}
}

func TestRenderOps(t *testing.T) {
	for tmpl, op := range map[Template]string{
		TemplateVerifyKey:    "op=verify&",
		TemplateVerifyRemove: "op=verifyRemove&",
		TemplateCheckNewSigs: "op=checkSignatures&",
	} {
		_, body, err := Render(&Message{
			Template: tmpl,
			Email:    "alice@example.com",
			KeyID:    "0123456789abcdef",
			Nonce:    "aaaabbbbccccddddaaaabbbbccccdddd",
			Origin:   "http://localhost:8888",
		})
		if err != nil {
			t.Fatalf("Render(%s): %v", tmpl, err)
		}
		if !strings.Contains(body, op) {
			t.Errorf("%s body lacks %q", tmpl, op)
		}
	}
}

func TestRenderWithoutName(t *testing.T) {
	_, body, err := Render(&Message{
		Template: TemplateVerifyRemove,
		Email:    "alice@example.com",
		KeyID:    "0123456789abcdef",
		Nonce:    "aaaabbbbccccddddaaaabbbbccccdddd",
		Origin:   "http://localhost:8888",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(body, "Hello,") {
		t.Errorf("nameless greeting wrong:\n%s", body)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	if _, _, err := Render(&Message{Template: "nope"}); err == nil {
		t.Error("Render(unknown template) succeeded, want error")
	}
}
