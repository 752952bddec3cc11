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

package keydb

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testKey(keyID string, uids ...*UserID) *Key {
	return &Key{
		KeyID:       keyID,
		Fingerprint: "0000000000000000000000000000000000000000"[:40-len(keyID)] + keyID,
		UserIDs:     uids,
		Uploaded:    time.Now(),
	}
}

func TestMemStoreFind(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	key := testKey("0123456789abcdef",
		&UserID{Email: "alice@example.com", Verified: true},
		&UserID{Email: "alice@work.example.com", Nonce: "abc"},
	)
	if err := s.Insert(ctx, key); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	for _, q := range []Lookup{
		{KeyID: key.KeyID},
		{Fingerprint: key.Fingerprint},
		{Emails: []string{"alice@example.com"}},
	} {
		if _, err := s.Find(ctx, q); err != nil {
			t.Errorf("Find(%+v): %v", q, err)
		}
	}
	if _, err := s.Find(ctx, Lookup{KeyID: "ffffffffffffffff"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find(absent) = %v, want ErrNotFound", err)
	}

	// Unverified emails match Find but not FindVerified.
	if _, err := s.Find(ctx, Lookup{Emails: []string{"alice@work.example.com"}}); err != nil {
		t.Errorf("Find(unverified email): %v", err)
	}
	if _, err := s.FindVerified(ctx, Lookup{Emails: []string{"alice@work.example.com"}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindVerified(unverified email) = %v, want ErrNotFound", err)
	}
	if _, err := s.FindVerified(ctx, Lookup{Emails: []string{"alice@example.com"}}); err != nil {
		t.Errorf("FindVerified(verified email): %v", err)
	}
}

func TestMemStoreFindVerifiedRequiresVerifiedUserID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Insert(ctx, testKey("0123456789abcdef", &UserID{Email: "a@example.com", Nonce: "n"})); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.FindVerified(ctx, Lookup{KeyID: "0123456789abcdef"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindVerified(unverified record) = %v, want ErrNotFound", err)
	}
}

func TestMemStoreMarkVerified(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	nonce := "0123456789abcdef0123456789abcdef"
	key := testKey("0123456789abcdef", &UserID{
		Email:            "alice@example.com",
		Nonce:            nonce,
		PublicKeyArmored: "shadow",
	})
	if err := s.Insert(ctx, key); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if _, err := s.FindByNonce(ctx, key.KeyID, nonce); err != nil {
		t.Fatalf("FindByNonce: %v", err)
	}
	if err := s.MarkVerified(ctx, key.KeyID, nonce, "armored body"); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}

	got, err := s.FindVerified(ctx, Lookup{KeyID: key.KeyID})
	if err != nil {
		t.Fatalf("FindVerified: %v", err)
	}
	uid := got.UserIDs[0]
	if !uid.Verified || uid.Nonce != "" || uid.PublicKeyArmored != "" {
		t.Errorf("user ID after MarkVerified = %+v", uid)
	}
	if got.PublicKeyArmored != "armored body" {
		t.Errorf("record armored body = %q", got.PublicKeyArmored)
	}
	if _, err := s.FindByNonce(ctx, key.KeyID, nonce); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByNonce after verification = %v, want ErrNotFound", err)
	}
}

func TestMemStoreSetRemovalNonceAndUserIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	key := testKey("0123456789abcdef",
		&UserID{Email: "a@example.com", Verified: true},
		&UserID{Email: "b@example.com", PublicKeyArmored: "shadow body"},
	)
	if err := s.Insert(ctx, key); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.SetRemovalNonce(ctx, key.KeyID, "b@example.com", "nonce-b"); err != nil {
		t.Fatalf("SetRemovalNonce: %v", err)
	}
	got, err := s.FindByNonce(ctx, key.KeyID, "nonce-b")
	if err != nil {
		t.Fatalf("FindByNonce: %v", err)
	}
	uid := got.UserIDByNonce("nonce-b")
	if uid.Email != "b@example.com" {
		t.Errorf("nonce landed on the wrong user ID")
	}
	if uid.PublicKeyArmored != "" {
		t.Errorf("shadow body survived SetRemovalNonce: %q", uid.PublicKeyArmored)
	}
	if err := s.SetRemovalNonce(ctx, key.KeyID, "missing@example.com", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetRemovalNonce(unknown email) = %v, want ErrNotFound", err)
	}

	remaining := []*UserID{{Email: "a@example.com", Verified: true}}
	if err := s.SetUserIDs(ctx, key.KeyID, "new body", remaining); err != nil {
		t.Fatalf("SetUserIDs: %v", err)
	}
	got, err = s.Find(ctx, Lookup{KeyID: key.KeyID})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got.UserIDs) != 1 || got.UserIDs[0].Email != "a@example.com" {
		t.Errorf("user IDs after SetUserIDs = %+v", got.UserIDs)
	}
	if got.PublicKeyArmored != "new body" {
		t.Errorf("armored body = %q", got.PublicKeyArmored)
	}
}

func TestMemStoreCommitSignatures(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	key := testKey("0123456789abcdef", &UserID{Email: "a@example.com", Verified: true})
	key.PendingSignatures = &PendingSignatures{
		Nonce: "batch",
		Sigs:  []*Signature{{UserID: "A <a@example.com>", Data: []byte{1, 2}}},
	}
	if err := s.Insert(ctx, key); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if _, err := s.FindByPendingNonce(ctx, key.KeyID, "batch"); err != nil {
		t.Fatalf("FindByPendingNonce: %v", err)
	}
	if err := s.CommitSignatures(ctx, key.KeyID, "with sigs"); err != nil {
		t.Fatalf("CommitSignatures: %v", err)
	}
	got, err := s.Find(ctx, Lookup{KeyID: key.KeyID})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.PublicKeyArmored != "with sigs" || got.PendingSignatures != nil {
		t.Errorf("record after CommitSignatures = %+v", got)
	}
	if _, err := s.FindByPendingNonce(ctx, key.KeyID, "batch"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByPendingNonce after commit = %v, want ErrNotFound", err)
	}
}

func TestMemStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	k1 := testKey("1111111111111111", &UserID{Email: "a@example.com", Verified: true})
	k2 := testKey("2222222222222222", &UserID{Email: "a@example.com"})
	k3 := testKey("3333333333333333", &UserID{Email: "b@example.com"})
	for _, k := range []*Key{k1, k2, k3} {
		if err := s.Insert(ctx, k); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	// Removes every other record claiming a@example.com.
	n, err := s.DeleteByEmailExcept(ctx, "a@example.com", k1.KeyID)
	if err != nil {
		t.Fatalf("DeleteByEmailExcept: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteByEmailExcept removed %d, want 1", n)
	}
	if _, err := s.Find(ctx, Lookup{KeyID: k2.KeyID}); !errors.Is(err, ErrNotFound) {
		t.Errorf("record with colliding email survived")
	}

	n, err = s.DeleteByKeyID(ctx, k1.KeyID)
	if err != nil {
		t.Fatalf("DeleteByKeyID: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteByKeyID removed %d, want 1", n)
	}
}

func TestMemStoreDeleteUnverifiedBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	old := testKey("1111111111111111", &UserID{Email: "a@example.com"})
	old.Uploaded = time.Now().AddDate(0, 0, -60)
	oldVerified := testKey("2222222222222222", &UserID{Email: "b@example.com", Verified: true})
	oldVerified.Uploaded = old.Uploaded
	fresh := testKey("3333333333333333", &UserID{Email: "c@example.com"})
	for _, k := range []*Key{old, oldVerified, fresh} {
		if err := s.Insert(ctx, k); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	n, err := s.DeleteUnverifiedBefore(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("DeleteUnverifiedBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d records, want 1", n)
	}
	if _, err := s.Find(ctx, Lookup{KeyID: old.KeyID}); !errors.Is(err, ErrNotFound) {
		t.Errorf("old unverified record survived the purge")
	}
	for _, keep := range []string{oldVerified.KeyID, fresh.KeyID} {
		if _, err := s.Find(ctx, Lookup{KeyID: keep}); err != nil {
			t.Errorf("record %s should have survived: %v", keep, err)
		}
	}
}

func TestMemStoreCloneIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	key := testKey("0123456789abcdef", &UserID{Email: "a@example.com", Verified: true})
	if err := s.Insert(ctx, key); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Mutating the inserted value or a returned copy must not leak into
	// the store.
	key.UserIDs[0].Email = "mutated@example.com"
	got, err := s.Find(ctx, Lookup{KeyID: key.KeyID})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	got.UserIDs[0].Email = "also-mutated@example.com"

	again, err := s.Find(ctx, Lookup{KeyID: key.KeyID})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if again.UserIDs[0].Email != "a@example.com" {
		t.Errorf("store leaked mutations: %q", again.UserIDs[0].Email)
	}
}
