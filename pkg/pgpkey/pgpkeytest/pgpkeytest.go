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

// Package pgpkeytest generates throwaway OpenPGP keys for tests.
package pgpkeytest // import "github.com/SimonVareille/keyserver/pkg/pgpkey/pgpkeytest"

import (
	"bytes"
	"crypto"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// NewEntity generates a fresh Ed25519 key with one user ID.
func NewEntity(t *testing.T, name, email string) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity(name, "", email, &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
	})
	if err != nil {
		t.Fatalf("generating key for %s: %v", email, err)
	}
	return e
}

// AddUserID binds an additional user ID to e with a fresh positive
// self-certification.
func AddUserID(t *testing.T, e *openpgp.Entity, name, email string) {
	t.Helper()
	uid := packet.NewUserId(name, "", email)
	if uid == nil {
		t.Fatalf("invalid user ID %q <%s>", name, email)
	}
	sig := &packet.Signature{
		Version:      e.PrimaryKey.Version,
		SigType:      packet.SigTypePositiveCert,
		PubKeyAlgo:   e.PrimaryKey.PubKeyAlgo,
		Hash:         crypto.SHA256,
		CreationTime: time.Now(),
		IssuerKeyId:  &e.PrimaryKey.KeyId,
	}
	if err := sig.SignUserId(uid.Id, e.PrimaryKey, e.PrivateKey, nil); err != nil {
		t.Fatalf("self-signing user ID %q: %v", uid.Id, err)
	}
	e.Identities[uid.Id] = &openpgp.Identity{
		Name:          uid.Id,
		UserId:        uid,
		SelfSignature: sig,
		Signatures:    []*packet.Signature{sig},
	}
}

// Certify has signer certify the given identity of e (a third-party
// certification).
func Certify(t *testing.T, e *openpgp.Entity, identity string, signer *openpgp.Entity) {
	t.Helper()
	if err := e.SignIdentity(identity, signer, nil); err != nil {
		t.Fatalf("certifying %q: %v", identity, err)
	}
}

// Armor returns the public part of e as an armored key block.
func Armor(t *testing.T, e *openpgp.Entity) string {
	t.Helper()
	var buf bytes.Buffer
	wc, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("starting armor block: %v", err)
	}
	if err := e.Serialize(wc); err != nil {
		t.Fatalf("serializing key: %v", err)
	}
	if err := wc.Close(); err != nil {
		t.Fatalf("closing armor block: %v", err)
	}
	buf.WriteString("\n")
	return buf.String()
}
