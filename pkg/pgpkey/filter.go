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

package pgpkey

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/SimonVareille/keyserver/pkg/keydb"
)

// FilterByUserIDs returns the armored key reduced to the user IDs whose
// normalized email is in emails. It fails with ErrNoUserID when no user
// ID would remain.
func FilterByUserIDs(armored string, emails []string) (string, error) {
	e, err := parseEntity(armored)
	if err != nil {
		return "", err
	}
	keep := make(map[string]bool, len(emails))
	for _, email := range emails {
		keep[strings.ToLower(email)] = true
	}
	for name, ident := range e.Identities {
		if !keep[strings.ToLower(ident.UserId.Email)] {
			delete(e.Identities, name)
		}
	}
	if len(e.Identities) == 0 {
		return "", ErrNoUserID
	}
	return armorEntity(e)
}

// RemoveUserID drops the user IDs with the given normalized email from
// the armored key. It fails with ErrNoUserID when the email matches
// nothing, or when removing it would leave the key without user IDs.
func RemoveUserID(armored, email string) (string, error) {
	e, err := parseEntity(armored)
	if err != nil {
		return "", err
	}
	email = strings.ToLower(email)
	removed := false
	for name, ident := range e.Identities {
		if strings.ToLower(ident.UserId.Email) == email {
			delete(e.Identities, name)
			removed = true
		}
	}
	if !removed || len(e.Identities) == 0 {
		return "", ErrNoUserID
	}
	return armorEntity(e)
}

// FilterBySignatures compares the third-party certifications of src
// against cmp. Both must carry the same primary key fingerprint;
// otherwise src is returned unchanged. For every user ID present on both
// sides, each non-expired third-party certification found in src but not
// in cmp (by byte equality of the signature packet) is removed from src
// and returned. Self-signatures are untouched.
func FilterBySignatures(src, cmp string) (string, []*keydb.Signature, error) {
	srcE, err := parseEntity(src)
	if err != nil {
		return "", nil, err
	}
	cmpE, err := parseEntity(cmp)
	if err != nil {
		return "", nil, err
	}
	if !bytes.Equal(srcE.PrimaryKey.Fingerprint, cmpE.PrimaryKey.Fingerprint) {
		return src, nil, nil
	}

	now := time.Now()
	var newSigs []*keydb.Signature
	for name, ident := range srcE.Identities {
		cmpIdent, ok := cmpE.Identities[name]
		if !ok {
			continue
		}
		known := make(map[string]bool)
		for _, sig := range cmpIdent.Signatures {
			if isSelfSignature(cmpE, sig) {
				continue
			}
			raw, err := sigBytes(sig)
			if err != nil {
				return "", nil, err
			}
			known[string(raw)] = true
		}

		kept := ident.Signatures[:0]
		for _, sig := range ident.Signatures {
			if isSelfSignature(srcE, sig) || sig.SigExpired(now) {
				kept = append(kept, sig)
				continue
			}
			raw, err := sigBytes(sig)
			if err != nil {
				return "", nil, err
			}
			if known[string(raw)] {
				kept = append(kept, sig)
				continue
			}
			newSigs = append(newSigs, &keydb.Signature{UserID: name, Data: raw})
		}
		ident.Signatures = kept
	}

	// The identity map has no iteration order; keep batches stable.
	sort.Slice(newSigs, func(i, j int) bool {
		if newSigs[i].UserID != newSigs[j].UserID {
			return newSigs[i].UserID < newSigs[j].UserID
		}
		return bytes.Compare(newSigs[i].Data, newSigs[j].Data) < 0
	})

	armored, err := armorEntity(srcE)
	if err != nil {
		return "", nil, err
	}
	return armored, newSigs, nil
}

// AddSignature re-attaches a previously detached third-party
// certification to the matching user ID of the armored key. Attaching a
// signature that is already present is a no-op.
func AddSignature(armored string, sig *keydb.Signature) (string, error) {
	e, err := parseEntity(armored)
	if err != nil {
		return "", err
	}
	ident, ok := e.Identities[sig.UserID]
	if !ok {
		return "", fmt.Errorf("%w: user ID %q", ErrNoUserID, sig.UserID)
	}
	sp, err := readSignaturePacket(sig.Data)
	if err != nil {
		return "", err
	}
	for _, existing := range ident.Signatures {
		raw, err := sigBytes(existing)
		if err != nil {
			return "", err
		}
		if bytes.Equal(raw, sig.Data) {
			return armored, nil
		}
	}
	ident.Signatures = append(ident.Signatures, sp)
	return armorEntity(e)
}
