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

// Package pgpkey wraps the OpenPGP library behind the operations the key
// directory needs: parsing armored public keys into record skeletons,
// filtering armored bodies by user ID, diffing and re-attaching
// third-party certifications, and merging key updates.
//
// All functions accept and return armored public key blocks. Functions
// that parse input fail with an error wrapping ErrMalformed when the
// input is not a well-formed single primary public key.
package pgpkey // import "github.com/SimonVareille/keyserver/pkg/pgpkey"

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/SimonVareille/keyserver/pkg/keydb"
)

var (
	// ErrMalformed marks input that is not a single well-formed
	// armored public key.
	ErrMalformed = errors.New("pgpkey: malformed key")

	// ErrNoUserID is returned by filters that would leave a key
	// without any user ID.
	ErrNoUserID = errors.New("pgpkey: no matching user ID")
)

// armoredMaxSize bounds how much armored input a parse reads.
const armoredMaxSize = 1 << 20

const (
	armorBegin = "-----BEGIN PGP PUBLIC KEY BLOCK-----"
	armorEnd   = "-----END PGP PUBLIC KEY BLOCK-----"
)

var emailRx = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// TrimArmor extracts the single public key block from text, which may be
// surrounded by unrelated content. It fails if text does not contain
// exactly one block.
func TrimArmor(text string) (string, error) {
	begin := strings.Index(text, armorBegin)
	if begin < 0 {
		return "", fmt.Errorf("%w: no public key block found", ErrMalformed)
	}
	end := strings.Index(text[begin:], armorEnd)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated public key block", ErrMalformed)
	}
	end += begin + len(armorEnd)
	if strings.Contains(text[end:], armorBegin) {
		return "", fmt.Errorf("%w: more than one public key block", ErrMalformed)
	}
	return text[begin:end], nil
}

// parseEntity reads a single key from armored text.
func parseEntity(armored string) (*openpgp.Entity, error) {
	el, err := openpgp.ReadArmoredKeyRing(io.LimitReader(strings.NewReader(armored), armoredMaxSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(el) != 1 {
		return nil, fmt.Errorf("%w: expected a single key, got %d", ErrMalformed, len(el))
	}
	return el[0], nil
}

// armorEntity writes the public part of e as an armored block.
func armorEntity(e *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	wc, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := e.Serialize(wc); err != nil {
		return "", err
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("closing armor writer: %w", err)
	}
	buf.WriteString("\n")
	return buf.String(), nil
}

// Fingerprint returns the primary key fingerprint of the armored key as
// lowercase hex.
func Fingerprint(armored string) (string, error) {
	e, err := parseEntity(armored)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", e.PrimaryKey.Fingerprint), nil
}

// ParseKey parses an armored public key into a record skeleton: key ID,
// fingerprint, creation time, algorithm info and the user ID list with
// per-user-ID status. User IDs with a malformed userid string are dropped
// silently. The record's armored body and upload time are left unset.
func ParseKey(armored string) (*keydb.Key, error) {
	e, err := parseEntity(armored)
	if err != nil {
		return nil, err
	}

	fingerprint := fmt.Sprintf("%x", e.PrimaryKey.Fingerprint)
	if len(fingerprint) != 40 {
		return nil, fmt.Errorf("%w: unsupported key version (fingerprint %q)", ErrMalformed, fingerprint)
	}

	// Verification reference time. Using the key creation time when it
	// lies in the future keeps clock-skewed keys parseable.
	t := time.Now()
	if created := e.PrimaryKey.CreationTime; created.After(t) {
		t = created
	}
	selfSig, _ := e.PrimarySelfSignature()
	if selfSig == nil {
		return nil, fmt.Errorf("%w: no valid self-signature", ErrMalformed)
	}
	if e.Revoked(t) || e.PrimaryKey.KeyExpired(selfSig, t) || selfSig.SigExpired(t) {
		return nil, fmt.Errorf("%w: primary key verification failed", ErrMalformed)
	}

	key := &keydb.Key{
		KeyID:       fingerprint[24:],
		Fingerprint: fingerprint,
		Created:     e.PrimaryKey.CreationTime,
		Algorithm:   algorithmName(e.PrimaryKey.PubKeyAlgo),
	}
	if bits, err := e.PrimaryKey.BitLength(); err == nil {
		key.KeySize = int(bits)
	}

	for _, ident := range e.Identities {
		email := strings.ToLower(strings.TrimSpace(ident.UserId.Email))
		if !emailRx.MatchString(email) {
			continue
		}
		key.UserIDs = append(key.UserIDs, &keydb.UserID{
			Name:   ident.UserId.Name,
			Email:  email,
			Status: identityStatus(ident, t),
		})
	}
	sortUserIDs(key.UserIDs)
	return key, nil
}

func identityStatus(ident *openpgp.Identity, t time.Time) keydb.UserIDStatus {
	switch {
	case ident.SelfSignature == nil:
		return keydb.StatusInvalid
	case ident.Revoked(t):
		return keydb.StatusRevoked
	case ident.SelfSignature.SigExpired(t):
		return keydb.StatusExpired
	}
	return keydb.StatusValid
}

// sortUserIDs orders user IDs by email so parses are deterministic
// across the unordered identity map.
func sortUserIDs(uids []*keydb.UserID) {
	sort.SliceStable(uids, func(i, j int) bool {
		return uids[i].Email < uids[j].Email
	})
}

func algorithmName(a packet.PublicKeyAlgorithm) string {
	switch a {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSAEncryptOnly, packet.PubKeyAlgoRSASignOnly:
		return "rsa_encrypt_sign"
	case packet.PubKeyAlgoDSA:
		return "dsa"
	case packet.PubKeyAlgoElGamal:
		return "elgamal"
	case packet.PubKeyAlgoECDSA:
		return "ecdsa"
	case packet.PubKeyAlgoECDH:
		return "ecdh"
	case packet.PubKeyAlgoEdDSA:
		return "eddsa"
	}
	return "unknown"
}

// PrimaryUser returns the name and normalized email of the key's primary
// user ID (latest valid self-signature, primary-flag aware).
func PrimaryUser(armored string) (name, email string, err error) {
	e, err := parseEntity(armored)
	if err != nil {
		return "", "", err
	}
	ident := e.PrimaryIdentity()
	if ident == nil {
		return "", "", fmt.Errorf("%w: key has no user ID", ErrMalformed)
	}
	return ident.UserId.Name, strings.ToLower(ident.UserId.Email), nil
}

// SignatureInfo decodes a raw signature packet and reports its issuer
// fingerprint (lowercase hex, empty when the signature carries none) and
// creation time.
func SignatureInfo(data []byte) (issuerFingerprint string, created time.Time, err error) {
	sig, err := readSignaturePacket(data)
	if err != nil {
		return "", time.Time{}, err
	}
	if len(sig.IssuerFingerprint) > 0 {
		issuerFingerprint = fmt.Sprintf("%x", sig.IssuerFingerprint)
	}
	return issuerFingerprint, sig.CreationTime, nil
}

func readSignaturePacket(data []byte) (*packet.Signature, error) {
	p, err := packet.Read(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: reading signature packet: %v", ErrMalformed, err)
	}
	sig, ok := p.(*packet.Signature)
	if !ok {
		return nil, fmt.Errorf("%w: packet is not a signature", ErrMalformed)
	}
	return sig, nil
}

// sigBytes returns the serialized packet bytes of sig. Byte equality of
// these is the identity notion used for signature diffing.
func sigBytes(sig *packet.Signature) ([]byte, error) {
	var buf bytes.Buffer
	if err := sig.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// isSelfSignature reports whether sig was issued by the entity's own
// primary key. Signatures without issuer information are treated as
// third-party certifications.
func isSelfSignature(e *openpgp.Entity, sig *packet.Signature) bool {
	return sig.CheckKeyIdOrFingerprint(e.PrimaryKey)
}
