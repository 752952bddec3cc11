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

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// UpdateKey merges the key material of src into dst and returns the
// combined armored key. Both must carry the same primary key. Missing
// user IDs, self-signatures, subkeys and revocations are added;
// third-party certifications carried by src are NOT introduced (the
// directory strips and tracks those separately).
func UpdateKey(dst, src string) (string, error) {
	dstE, err := parseEntity(dst)
	if err != nil {
		return "", err
	}
	srcE, err := parseEntity(src)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(dstE.PrimaryKey.Fingerprint, srcE.PrimaryKey.Fingerprint) {
		return "", fmt.Errorf("%w: primary key fingerprints differ", ErrMalformed)
	}

	if err := mergeIdentities(dstE, srcE); err != nil {
		return "", err
	}
	if err := mergeSubkeys(dstE, srcE); err != nil {
		return "", err
	}
	merged, err := mergeSignatureLists(dstE.Revocations, srcE.Revocations)
	if err != nil {
		return "", err
	}
	dstE.Revocations = merged

	return armorEntity(dstE)
}

func mergeIdentities(dstE, srcE *openpgp.Entity) error {
	for name, srcIdent := range srcE.Identities {
		dstIdent, ok := dstE.Identities[name]
		if !ok {
			// New user ID: adopt it with its self-packets only.
			ident := &openpgp.Identity{
				Name:          srcIdent.Name,
				UserId:        srcIdent.UserId,
				SelfSignature: srcIdent.SelfSignature,
				Revocations:   srcIdent.Revocations,
			}
			for _, sig := range srcIdent.Signatures {
				if isSelfSignature(srcE, sig) {
					ident.Signatures = append(ident.Signatures, sig)
				}
			}
			dstE.Identities[name] = ident
			continue
		}

		for _, sig := range srcIdent.Signatures {
			if !isSelfSignature(srcE, sig) {
				continue
			}
			present, err := containsSignature(dstIdent.Signatures, sig)
			if err != nil {
				return err
			}
			if present {
				continue
			}
			dstIdent.Signatures = append(dstIdent.Signatures, sig)
			if sig.SigType == packet.SigTypeCertificationRevocation {
				dstIdent.Revocations = append(dstIdent.Revocations, sig)
			} else if dstIdent.SelfSignature == nil ||
				sig.CreationTime.After(dstIdent.SelfSignature.CreationTime) {
				dstIdent.SelfSignature = sig
			}
		}
	}
	return nil
}

func mergeSubkeys(dstE, srcE *openpgp.Entity) error {
	for i := range srcE.Subkeys {
		srcSub := &srcE.Subkeys[i]
		var dstSub *openpgp.Subkey
		for j := range dstE.Subkeys {
			if bytes.Equal(dstE.Subkeys[j].PublicKey.Fingerprint, srcSub.PublicKey.Fingerprint) {
				dstSub = &dstE.Subkeys[j]
				break
			}
		}
		if dstSub == nil {
			dstE.Subkeys = append(dstE.Subkeys, openpgp.Subkey{
				PublicKey:   srcSub.PublicKey,
				Sig:         srcSub.Sig,
				Revocations: srcSub.Revocations,
			})
			continue
		}
		if srcSub.Sig != nil && dstSub.Sig != nil &&
			srcSub.Sig.CreationTime.After(dstSub.Sig.CreationTime) {
			dstSub.Sig = srcSub.Sig
		}
		merged, err := mergeSignatureLists(dstSub.Revocations, srcSub.Revocations)
		if err != nil {
			return err
		}
		dstSub.Revocations = merged
	}
	return nil
}

// mergeSignatureLists unions add into sigs by packet byte equality.
func mergeSignatureLists(sigs, add []*packet.Signature) ([]*packet.Signature, error) {
	for _, sig := range add {
		present, err := containsSignature(sigs, sig)
		if err != nil {
			return nil, err
		}
		if !present {
			sigs = append(sigs, sig)
		}
	}
	return sigs, nil
}

func containsSignature(sigs []*packet.Signature, sig *packet.Signature) (bool, error) {
	raw, err := sigBytes(sig)
	if err != nil {
		return false, err
	}
	for _, s := range sigs {
		other, err := sigBytes(s)
		if err != nil {
			return false, err
		}
		if bytes.Equal(raw, other) {
			return true, nil
		}
	}
	return false, nil
}
