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

// Package keydb defines the stored form of a public key record and the
// Store interface the key directory persists through.
//
// A record is a document keyed by the primary key fingerprint. Backends
// implement Store; the canonical implementation is MongoDB (see the mongo
// subpackage) and an in-memory implementation is provided for tests and
// development servers.
package keydb // import "github.com/SimonVareille/keyserver/pkg/keydb"

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups that match no record.
var ErrNotFound = errors.New("keydb: record not found")

// Collection is the document collection public key records live in.
const Collection = "publickey"

// UserIDStatus is the parse-time validity of a user ID. It is never
// persisted; the zero value means the status was not computed.
type UserIDStatus int

const (
	StatusUnknown UserIDStatus = iota
	StatusValid
	StatusRevoked
	StatusExpired
	StatusInvalid
)

func (s UserIDStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusRevoked:
		return "revoked"
	case StatusExpired:
		return "expired"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// UserID is one identity bound to a key. While the identity is unverified
// it carries the outstanding challenge nonce and a shadow armored body
// holding just this user ID; both are cleared on verification.
type UserID struct {
	Name     string `bson:"name" json:"name"`
	Email    string `bson:"email" json:"email"`
	Verified bool   `bson:"verified" json:"verified"`

	Nonce            string `bson:"nonce,omitempty" json:"-"`
	PublicKeyArmored string `bson:"publicKeyArmored,omitempty" json:"-"`

	// Status and Notify are computed during parsing and merging and are
	// stripped before the record is persisted.
	Status UserIDStatus `bson:"-" json:"-"`
	Notify bool         `bson:"-" json:"-"`
}

// Signature is a third-party certification detached from an uploaded key,
// waiting for the key owner's confirmation. UserID is the full OpenPGP
// user ID string the certification covers; Data is the raw signature
// packet bytes.
type Signature struct {
	UserID string `bson:"userId" json:"userId"`
	Data   []byte `bson:"signature" json:"signature"`
}

// PendingSignatures is the batch of certifications awaiting confirmation.
// All signatures of a batch share one nonce.
type PendingSignatures struct {
	Nonce string       `bson:"nonce" json:"-"`
	Sigs  []*Signature `bson:"sigs" json:"sigs"`
}

// Key is one stored public key record.
//
// PublicKeyArmored is the canonical armored body and contains exactly the
// user IDs with Verified set, plus their self-signatures. It is empty
// while no user ID has been verified yet.
type Key struct {
	KeyID       string    `bson:"keyId" json:"keyId"`
	Fingerprint string    `bson:"fingerprint" json:"fingerprint"`
	UserIDs     []*UserID `bson:"userIds" json:"userIds"`
	Created     time.Time `bson:"created" json:"created"`
	Uploaded    time.Time `bson:"uploaded" json:"uploaded"`
	Algorithm   string    `bson:"algorithm" json:"algorithm"`
	KeySize     int       `bson:"keySize" json:"keySize"`

	PublicKeyArmored  string             `bson:"publicKeyArmored,omitempty" json:"publicKeyArmored,omitempty"`
	PendingSignatures *PendingSignatures `bson:"pendingSignatures,omitempty" json:"pendingSignatures,omitempty"`
}

// HasVerifiedUserID reports whether at least one user ID is verified.
func (k *Key) HasVerifiedUserID() bool {
	for _, uid := range k.UserIDs {
		if uid.Verified {
			return true
		}
	}
	return false
}

// VerifiedEmails returns the emails of all verified user IDs.
func (k *Key) VerifiedEmails() []string {
	var emails []string
	for _, uid := range k.UserIDs {
		if uid.Verified {
			emails = append(emails, uid.Email)
		}
	}
	return emails
}

// UserIDByNonce returns the user ID carrying the given challenge nonce.
func (k *Key) UserIDByNonce(nonce string) *UserID {
	if nonce == "" {
		return nil
	}
	for _, uid := range k.UserIDs {
		if uid.Nonce == nonce {
			return uid
		}
	}
	return nil
}

// UserIDByEmail returns the user ID with the given (normalized) email.
func (k *Key) UserIDByEmail(email string) *UserID {
	for _, uid := range k.UserIDs {
		if uid.Email == email {
			return uid
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (k *Key) Clone() *Key {
	dup := *k
	dup.UserIDs = make([]*UserID, len(k.UserIDs))
	for i, uid := range k.UserIDs {
		u := *uid
		dup.UserIDs[i] = &u
	}
	if k.PendingSignatures != nil {
		ps := &PendingSignatures{Nonce: k.PendingSignatures.Nonce}
		for _, sig := range k.PendingSignatures.Sigs {
			s := &Signature{UserID: sig.UserID, Data: append([]byte(nil), sig.Data...)}
			ps.Sigs = append(ps.Sigs, s)
		}
		dup.PendingSignatures = ps
	}
	return &dup
}

// Sanitized returns a copy of the record with the internal fields cleared,
// suitable for rendering to lookup clients: per-user-ID nonces and shadow
// armored bodies, and the pending-signatures nonce.
func (k *Key) Sanitized() *Key {
	dup := k.Clone()
	for _, uid := range dup.UserIDs {
		uid.Nonce = ""
		uid.PublicKeyArmored = ""
	}
	if dup.PendingSignatures != nil {
		dup.PendingSignatures.Nonce = ""
	}
	return dup
}

// Lookup selects records by any combination of key ID, fingerprint and
// emails. Fields are expected in normalized (lowercase) form; a record
// matches when any populated predicate matches.
type Lookup struct {
	KeyID       string
	Fingerprint string
	Emails      []string
}

// IsZero reports whether no predicate is populated.
func (q Lookup) IsZero() bool {
	return q.KeyID == "" && q.Fingerprint == "" && len(q.Emails) == 0
}

// Store is the persistence contract of the key directory. All lookups
// return ErrNotFound when nothing matches. Implementations must apply
// updates atomically per record; cross-record serialization is the
// directory's job.
type Store interface {
	// Insert stores a new record.
	Insert(ctx context.Context, key *Key) error

	// Find returns a record matching q, verified or not.
	Find(ctx context.Context, q Lookup) (*Key, error)

	// FindVerified returns a record that matches q and has at least one
	// verified user ID. Email predicates only match verified user IDs.
	FindVerified(ctx context.Context, q Lookup) (*Key, error)

	// FindByNonce returns the record with the given key ID where some
	// user ID carries the challenge nonce.
	FindByNonce(ctx context.Context, keyID, nonce string) (*Key, error)

	// FindByPendingNonce returns the record with the given key ID whose
	// pending-signatures batch carries the nonce.
	FindByPendingNonce(ctx context.Context, keyID, nonce string) (*Key, error)

	// MarkVerified marks the user ID carrying nonce as verified, clears
	// its nonce and shadow armored body, and replaces the record's
	// armored body in the same update.
	MarkVerified(ctx context.Context, keyID, nonce, armored string) error

	// SetRemovalNonce sets a removal challenge nonce on the user ID
	// with the given email and clears its shadow armored body, so the
	// nonce cannot be consumed as a verification nonce.
	SetRemovalNonce(ctx context.Context, keyID, email, nonce string) error

	// SetUserIDs replaces the record's user ID list and armored body.
	// An empty armored string clears the body.
	SetUserIDs(ctx context.Context, keyID, armored string, userIDs []*UserID) error

	// CommitSignatures replaces the armored body and clears the
	// pending-signatures batch.
	CommitSignatures(ctx context.Context, keyID, armored string) error

	// DeleteByKeyID removes the record with the given key ID and
	// returns the number of removed records.
	DeleteByKeyID(ctx context.Context, keyID string) (int, error)

	// DeleteByEmailExcept removes every record, except the one with
	// keyID, that has any user ID with the given email.
	DeleteByEmailExcept(ctx context.Context, email, keyID string) (int, error)

	// DeleteUnverifiedBefore removes records with no verified user ID
	// uploaded before the cutoff.
	DeleteUnverifiedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
