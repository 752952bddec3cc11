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

package keydir

import (
	"fmt"

	"github.com/SimonVareille/keyserver/pkg/keydb"
	"github.com/SimonVareille/keyserver/pkg/pgpkey"
)

// mergeUserIDs combines the user IDs of a stored record with those of a
// newly uploaded key:
//
//   - verified user IDs of the existing record are kept untouched;
//   - valid new user IDs not already verified are taken from the upload,
//     given a shadow armored body and flagged for a challenge (a fresh
//     challenge replaces any prior outstanding nonce);
//   - remaining unverified user IDs of the existing record stay pending
//     with their old nonce.
//
// The result is ordered new, then pending, then verified.
func mergeUserIDs(existing, uploaded []*keydb.UserID, uploadedArmored string) ([]*keydb.UserID, error) {
	verified := make(map[string]bool)
	for _, uid := range existing {
		if uid.Verified {
			verified[uid.Email] = true
		}
	}

	var valid []*keydb.UserID
	fresh := make(map[string]bool)
	for _, uid := range uploaded {
		if uid.Status != keydb.StatusValid || verified[uid.Email] {
			continue
		}
		shadow, err := pgpkey.FilterByUserIDs(uploadedArmored, []string{uid.Email})
		if err != nil {
			return nil, fmt.Errorf("extracting user ID %q: %w", uid.Email, err)
		}
		u := *uid
		u.PublicKeyArmored = shadow
		u.Notify = true
		valid = append(valid, &u)
		fresh[u.Email] = true
	}

	merged := valid
	for _, uid := range existing {
		if !uid.Verified && !fresh[uid.Email] {
			merged = append(merged, uid)
		}
	}
	for _, uid := range existing {
		if uid.Verified {
			merged = append(merged, uid)
		}
	}
	return merged, nil
}
