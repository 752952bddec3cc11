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

// Package mongo provides the MongoDB implementation of keydb.Store.
package mongo // import "github.com/SimonVareille/keyserver/pkg/keydb/mongo"

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"

	"github.com/SimonVareille/keyserver/pkg/keydb"
)

// Options configures the MongoDB connection.
type Options struct {
	// URI is a mongodb connection string or host[:port].
	URI      string
	Database string
	User     string
	Password string
}

type store struct {
	session *mgo.Session
	c       *mgo.Collection
}

// Dial connects to MongoDB and returns a keydb.Store backed by the
// "publickey" collection. Close the returned store when done.
func Dial(opts Options) (keydb.Store, func(), error) {
	info, err := mgo.ParseURL(opts.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("mongo: parsing %q: %w", opts.URI, err)
	}
	info.Database = opts.Database
	info.Username = opts.User
	info.Password = opts.Password
	info.Timeout = 10 * time.Second
	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return nil, nil, fmt.Errorf("mongo: dialing %q: %w", opts.URI, err)
	}
	session.SetMode(mgo.Strong, true)
	// Safe mode, so removals of absent documents report ErrNotFound
	// instead of silently succeeding.
	session.SetSafe(&mgo.Safe{})
	s := &store{
		session: session,
		c:       session.DB(opts.Database).C(keydb.Collection),
	}
	return s, session.Close, nil
}

func (s *store) Insert(ctx context.Context, key *keydb.Key) error {
	return s.c.Insert(key)
}

// lookupSelector builds the $or selector for a keydb.Lookup. When
// verifiedOnly is set, every branch additionally requires a verified
// user ID; email branches require the matching element itself to be
// verified.
func lookupSelector(q keydb.Lookup, verifiedOnly bool) bson.M {
	var or []bson.M
	someVerified := bson.M{"$elemMatch": bson.M{"verified": true}}
	if q.KeyID != "" {
		m := bson.M{"keyId": q.KeyID}
		if verifiedOnly {
			m["userIds"] = someVerified
		}
		or = append(or, m)
	}
	if q.Fingerprint != "" {
		m := bson.M{"fingerprint": q.Fingerprint}
		if verifiedOnly {
			m["userIds"] = someVerified
		}
		or = append(or, m)
	}
	for _, email := range q.Emails {
		elem := bson.M{"email": email}
		if verifiedOnly {
			elem["verified"] = true
		}
		or = append(or, bson.M{"userIds": bson.M{"$elemMatch": elem}})
	}
	return bson.M{"$or": or}
}

func (s *store) findOne(selector bson.M) (*keydb.Key, error) {
	key := new(keydb.Key)
	if err := s.c.Find(selector).One(key); err != nil {
		if err == mgo.ErrNotFound {
			return nil, keydb.ErrNotFound
		}
		return nil, err
	}
	return key, nil
}

func (s *store) Find(ctx context.Context, q keydb.Lookup) (*keydb.Key, error) {
	if q.IsZero() {
		return nil, keydb.ErrNotFound
	}
	return s.findOne(lookupSelector(q, false))
}

func (s *store) FindVerified(ctx context.Context, q keydb.Lookup) (*keydb.Key, error) {
	if q.IsZero() {
		return nil, keydb.ErrNotFound
	}
	return s.findOne(lookupSelector(q, true))
}

func (s *store) FindByNonce(ctx context.Context, keyID, nonce string) (*keydb.Key, error) {
	return s.findOne(bson.M{
		"keyId":   keyID,
		"userIds": bson.M{"$elemMatch": bson.M{"nonce": nonce}},
	})
}

func (s *store) FindByPendingNonce(ctx context.Context, keyID, nonce string) (*keydb.Key, error) {
	return s.findOne(bson.M{
		"keyId":                   keyID,
		"pendingSignatures.nonce": nonce,
	})
}

func (s *store) update(selector, change bson.M) error {
	if err := s.c.Update(selector, change); err != nil {
		if err == mgo.ErrNotFound {
			return keydb.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *store) MarkVerified(ctx context.Context, keyID, nonce, armored string) error {
	return s.update(
		bson.M{"keyId": keyID, "userIds": bson.M{"$elemMatch": bson.M{"nonce": nonce}}},
		bson.M{
			"$set":   bson.M{"publicKeyArmored": armored, "userIds.$.verified": true},
			"$unset": bson.M{"userIds.$.nonce": "", "userIds.$.publicKeyArmored": ""},
		},
	)
}

func (s *store) SetRemovalNonce(ctx context.Context, keyID, email, nonce string) error {
	return s.update(
		bson.M{"keyId": keyID, "userIds": bson.M{"$elemMatch": bson.M{"email": email}}},
		bson.M{
			"$set":   bson.M{"userIds.$.nonce": nonce},
			"$unset": bson.M{"userIds.$.publicKeyArmored": ""},
		},
	)
}

func (s *store) SetUserIDs(ctx context.Context, keyID, armored string, userIDs []*keydb.UserID) error {
	change := bson.M{"$set": bson.M{"userIds": userIDs}}
	if armored == "" {
		change["$unset"] = bson.M{"publicKeyArmored": ""}
	} else {
		change["$set"].(bson.M)["publicKeyArmored"] = armored
	}
	return s.update(bson.M{"keyId": keyID}, change)
}

func (s *store) CommitSignatures(ctx context.Context, keyID, armored string) error {
	return s.update(
		bson.M{"keyId": keyID},
		bson.M{
			"$set":   bson.M{"publicKeyArmored": armored},
			"$unset": bson.M{"pendingSignatures": ""},
		},
	)
}

func (s *store) removeAll(selector bson.M) (int, error) {
	info, err := s.c.RemoveAll(selector)
	if err != nil {
		return 0, err
	}
	return info.Removed, nil
}

func (s *store) DeleteByKeyID(ctx context.Context, keyID string) (int, error) {
	return s.removeAll(bson.M{"keyId": keyID})
}

func (s *store) DeleteByEmailExcept(ctx context.Context, email, keyID string) (int, error) {
	return s.removeAll(bson.M{
		"keyId":   bson.M{"$ne": keyID},
		"userIds": bson.M{"$elemMatch": bson.M{"email": email}},
	})
}

func (s *store) DeleteUnverifiedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.removeAll(bson.M{
		"uploaded":         bson.M{"$lt": cutoff},
		"userIds.verified": bson.M{"$ne": true},
	})
}
