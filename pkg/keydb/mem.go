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
	"sync"
	"time"
)

// NewMemoryStore returns an in-memory Store. It is meant for development
// servers and tests; nothing is persisted across restarts.
func NewMemoryStore() Store {
	return &memStore{}
}

type memStore struct {
	mu   sync.Mutex
	keys []*Key
}

func (m *memStore) Insert(ctx context.Context, key *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key.Clone())
	return nil
}

func matchLookup(k *Key, q Lookup, verifiedOnly bool) bool {
	if verifiedOnly && !k.HasVerifiedUserID() {
		return false
	}
	if q.KeyID != "" && k.KeyID == q.KeyID {
		return true
	}
	if q.Fingerprint != "" && k.Fingerprint == q.Fingerprint {
		return true
	}
	for _, email := range q.Emails {
		for _, uid := range k.UserIDs {
			if uid.Email != email {
				continue
			}
			if !verifiedOnly || uid.Verified {
				return true
			}
		}
	}
	return false
}

func (m *memStore) find(match func(*Key) bool) (*Key, error) {
	for _, k := range m.keys {
		if match(k) {
			return k.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) Find(ctx context.Context, q Lookup) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(k *Key) bool { return matchLookup(k, q, false) })
}

func (m *memStore) FindVerified(ctx context.Context, q Lookup) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(k *Key) bool { return matchLookup(k, q, true) })
}

func (m *memStore) FindByNonce(ctx context.Context, keyID, nonce string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(k *Key) bool {
		return k.KeyID == keyID && k.UserIDByNonce(nonce) != nil
	})
}

func (m *memStore) FindByPendingNonce(ctx context.Context, keyID, nonce string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(k *Key) bool {
		return k.KeyID == keyID && k.PendingSignatures != nil && k.PendingSignatures.Nonce == nonce
	})
}

// get returns the live record, not a copy. Callers hold m.mu.
func (m *memStore) get(keyID string) *Key {
	for _, k := range m.keys {
		if k.KeyID == keyID {
			return k
		}
	}
	return nil
}

func (m *memStore) MarkVerified(ctx context.Context, keyID, nonce, armored string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.get(keyID)
	if k == nil {
		return ErrNotFound
	}
	uid := k.UserIDByNonce(nonce)
	if uid == nil {
		return ErrNotFound
	}
	uid.Verified = true
	uid.Nonce = ""
	uid.PublicKeyArmored = ""
	k.PublicKeyArmored = armored
	return nil
}

func (m *memStore) SetRemovalNonce(ctx context.Context, keyID, email, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.get(keyID)
	if k == nil {
		return ErrNotFound
	}
	uid := k.UserIDByEmail(email)
	if uid == nil {
		return ErrNotFound
	}
	uid.Nonce = nonce
	uid.PublicKeyArmored = ""
	return nil
}

func (m *memStore) SetUserIDs(ctx context.Context, keyID, armored string, userIDs []*UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.get(keyID)
	if k == nil {
		return ErrNotFound
	}
	k.UserIDs = make([]*UserID, len(userIDs))
	for i, uid := range userIDs {
		u := *uid
		k.UserIDs[i] = &u
	}
	k.PublicKeyArmored = armored
	return nil
}

func (m *memStore) CommitSignatures(ctx context.Context, keyID, armored string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.get(keyID)
	if k == nil {
		return ErrNotFound
	}
	k.PublicKeyArmored = armored
	k.PendingSignatures = nil
	return nil
}

func (m *memStore) deleteWhere(match func(*Key) bool) int {
	var kept []*Key
	removed := 0
	for _, k := range m.keys {
		if match(k) {
			removed++
			continue
		}
		kept = append(kept, k)
	}
	m.keys = kept
	return removed
}

func (m *memStore) DeleteByKeyID(ctx context.Context, keyID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteWhere(func(k *Key) bool { return k.KeyID == keyID }), nil
}

func (m *memStore) DeleteByEmailExcept(ctx context.Context, email, keyID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteWhere(func(k *Key) bool {
		return k.KeyID != keyID && k.UserIDByEmail(email) != nil
	}), nil
}

func (m *memStore) DeleteUnverifiedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteWhere(func(k *Key) bool {
		return !k.HasVerifiedUserID() && k.Uploaded.Before(cutoff)
	}), nil
}
