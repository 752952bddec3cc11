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

// Package keydir implements the key lifecycle state machine of the
// directory: uploads, per-user-ID email verification, confirmation of
// third-party certifications, lookup and removal.
//
// Every top-level operation is serialized per key ID, so the persisted
// record always satisfies the directory invariants: the armored body
// contains exactly the verified user IDs, a user ID carries a nonce
// exactly while a challenge is outstanding, and at most one verified
// user ID exists per email across the whole directory.
package keydir // import "github.com/SimonVareille/keyserver/pkg/keydir"

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/SimonVareille/keyserver/pkg/email"
	"github.com/SimonVareille/keyserver/pkg/keydb"
	"github.com/SimonVareille/keyserver/pkg/pgpkey"
)

// Config carries the directory policy knobs.
type Config struct {
	// PurgeDays is the age in days after which a record without any
	// verified user ID becomes eligible for the lazy purge.
	PurgeDays int

	// RestrictUserOrigin requires uploaded keys to carry at least one
	// user ID whose email matches RestrictionRegex; only matching user
	// IDs receive verification challenges.
	RestrictUserOrigin bool
	RestrictionRegex   *regexp.Regexp
}

// Directory is the key lifecycle state machine and merge engine.
type Directory struct {
	store  keydb.Store
	mailer email.Mailer
	cfg    Config
	log    *logrus.Entry
	locks  keyedMutex
}

// New returns a Directory over the given store and mailer.
func New(store keydb.Store, mailer email.Mailer, cfg Config) *Directory {
	if cfg.PurgeDays <= 0 {
		cfg.PurgeDays = 30
	}
	return &Directory{
		store:  store,
		mailer: mailer,
		cfg:    cfg,
		log:    logrus.WithField("component", "keydir"),
	}
}

// PutRequest is one key upload. Emails optionally restricts which user
// IDs of the submitted key this upload covers. Origin is the externally
// visible base URL used in challenge links.
type PutRequest struct {
	PublicKeyArmored string
	Emails           []string
	Origin           string
}

// Put uploads a key: parses and validates it, merges it with a
// previously verified record under the same key ID, and dispatches a
// verification challenge to every newly introduced user ID. Nothing is
// persisted if a challenge mail cannot be sent.
func (d *Directory) Put(ctx context.Context, req *PutRequest) error {
	d.purge(ctx)

	armored, err := pgpkey.TrimArmor(req.PublicKeyArmored)
	if err != nil {
		return parseError(err)
	}
	key, err := pgpkey.ParseKey(armored)
	if err != nil {
		return parseError(err)
	}
	if d.cfg.RestrictUserOrigin && !d.hasOrganisationUID(key) {
		return ErrNoOrganisationUID
	}
	if err := filterRequestedUserIDs(key, req.Emails); err != nil {
		return err
	}

	d.locks.lock(key.KeyID)
	defer d.locks.unlock(key.KeyID)

	existing, err := d.store.FindVerified(ctx, keydb.Lookup{KeyID: key.KeyID})
	switch {
	case errors.Is(err, keydb.ErrNotFound):
		return d.putNew(ctx, key, armored, req.Origin)
	case err != nil:
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if existing.Fingerprint != key.Fingerprint {
		// Different primary key with a colliding 64-bit key ID.
		return fmt.Errorf("%w: key ID collision", ErrMalformedKey)
	}
	return d.putExisting(ctx, existing, key, armored, req.Origin)
}

// purge opportunistically removes records that never got a user ID
// verified within the purge horizon. Failures are logged and swallowed.
func (d *Directory) purge(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -d.cfg.PurgeDays)
	n, err := d.store.DeleteUnverifiedBefore(ctx, cutoff)
	if err != nil {
		d.log.WithError(err).Warn("lazy purge failed")
		return
	}
	if n > 0 {
		d.log.WithField("removed", n).Info("purged unverified keys")
	}
}

func (d *Directory) hasOrganisationUID(key *keydb.Key) bool {
	if d.cfg.RestrictionRegex == nil {
		return false
	}
	for _, uid := range key.UserIDs {
		if d.cfg.RestrictionRegex.MatchString(uid.Email) {
			return true
		}
	}
	return false
}

// filterRequestedUserIDs reduces key's user IDs to the requested emails.
// Every requested email must be present on the key.
func filterRequestedUserIDs(key *keydb.Key, emails []string) error {
	if len(emails) == 0 {
		return nil
	}
	requested := make(map[string]bool)
	for _, e := range emails {
		addr, ok := NormalizeEmail(e)
		if !ok {
			return fmt.Errorf("%w: malformed email %q", ErrInvalidRequest, e)
		}
		requested[addr] = true
	}
	var kept []*keydb.UserID
	for _, uid := range key.UserIDs {
		if requested[uid.Email] {
			kept = append(kept, uid)
		}
	}
	if len(kept) != len(emails) {
		return ErrUserIDMismatch
	}
	key.UserIDs = kept
	return nil
}

// putNew stores a first upload: no user ID is verified yet, so the
// record has no canonical armored body, only per-user-ID shadow bodies.
func (d *Directory) putNew(ctx context.Context, key *keydb.Key, armored, origin string) error {
	var valid []*keydb.UserID
	for _, uid := range key.UserIDs {
		if uid.Status == keydb.StatusValid {
			valid = append(valid, uid)
		}
	}
	if len(valid) == 0 {
		return ErrNoValidUserIDs
	}
	key.UserIDs = valid

	for _, uid := range key.UserIDs {
		shadow, err := pgpkey.FilterByUserIDs(armored, []string{uid.Email})
		if err != nil {
			return parseError(err)
		}
		uid.PublicKeyArmored = shadow
		uid.Notify = true
		if d.cfg.RestrictUserOrigin && !d.cfg.RestrictionRegex.MatchString(uid.Email) {
			// Non-organisation user IDs stay dormant: stored, but
			// challenged only once a later upload re-introduces them.
			uid.Notify = false
		}
	}
	key.PublicKeyArmored = ""
	key.Uploaded = time.Now()

	if err := d.dispatchChallenges(ctx, key, origin); err != nil {
		return err
	}
	stripTransient(key)
	// Replace any prior unverified record under this key ID.
	if _, err := d.store.DeleteByKeyID(ctx, key.KeyID); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if err := d.store.Insert(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return nil
}

// putExisting merges an upload into the stored verified record with the
// same key ID and tracks any new third-party certifications as pending.
func (d *Directory) putExisting(ctx context.Context, existing, uploaded *keydb.Key, armored, origin string) error {
	mergedUIDs, err := mergeUserIDs(existing.UserIDs, uploaded.UserIDs, armored)
	if err != nil {
		return parseError(err)
	}

	newArmored := existing.PublicKeyArmored
	var newSigs []*keydb.Signature
	filtered, err := pgpkey.FilterByUserIDs(armored, existing.VerifiedEmails())
	switch {
	case errors.Is(err, pgpkey.ErrNoUserID):
		// The upload carries none of the verified user IDs; there is
		// no key material to merge into the published body.
	case err != nil:
		return parseError(err)
	default:
		cleaned, sigs, err := pgpkey.FilterBySignatures(filtered, existing.PublicKeyArmored)
		if err != nil {
			return parseError(err)
		}
		newArmored, err = pgpkey.UpdateKey(existing.PublicKeyArmored, cleaned)
		if err != nil {
			return parseError(err)
		}
		newSigs = sigs
	}

	pending := mergePendingSignatures(existing.PendingSignatures, newSigs)

	key := &keydb.Key{
		KeyID:             existing.KeyID,
		Fingerprint:       existing.Fingerprint,
		UserIDs:           mergedUIDs,
		Created:           existing.Created,
		Uploaded:          existing.Uploaded,
		Algorithm:         existing.Algorithm,
		KeySize:           existing.KeySize,
		PublicKeyArmored:  newArmored,
		PendingSignatures: pending,
	}

	if err := d.dispatchChallenges(ctx, key, origin); err != nil {
		return err
	}
	if len(newSigs) > 0 {
		if err := d.notifyNewSignatures(ctx, key, origin); err != nil {
			return err
		}
	}

	stripTransient(key)
	if _, err := d.store.DeleteByKeyID(ctx, key.KeyID); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if err := d.store.Insert(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return nil
}

// mergePendingSignatures folds freshly diffed certifications into the
// existing pending batch. The batch nonce is reused so an outstanding
// confirmation link stays valid; duplicates are dropped by packet byte
// equality.
func mergePendingSignatures(batch *keydb.PendingSignatures, newSigs []*keydb.Signature) *keydb.PendingSignatures {
	if len(newSigs) == 0 {
		return batch
	}
	if batch == nil {
		return &keydb.PendingSignatures{Nonce: NewNonce(), Sigs: newSigs}
	}
	for _, sig := range newSigs {
		dup := false
		for _, have := range batch.Sigs {
			if have.UserID == sig.UserID && string(have.Data) == string(sig.Data) {
				dup = true
				break
			}
		}
		if !dup {
			batch.Sigs = append(batch.Sigs, sig)
		}
	}
	return batch
}

// dispatchChallenges generates a fresh nonce for every user ID flagged
// for notification and mails the verification link. All sends are
// awaited; any failure aborts the caller before persistence.
func (d *Directory) dispatchChallenges(ctx context.Context, key *keydb.Key, origin string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, uid := range key.UserIDs {
		if !uid.Notify {
			continue
		}
		uid.Nonce = NewNonce()
		msg := &email.Message{
			Template:         email.TemplateVerifyKey,
			Name:             uid.Name,
			Email:            uid.Email,
			KeyID:            key.KeyID,
			Nonce:            uid.Nonce,
			Origin:           origin,
			PublicKeyArmored: uid.PublicKeyArmored,
		}
		g.Go(func() error {
			return d.mailer.Send(ctx, msg)
		})
	}
	return g.Wait()
}

// notifyNewSignatures mails the key's primary user that certifications
// await confirmation.
func (d *Directory) notifyNewSignatures(ctx context.Context, key *keydb.Key, origin string) error {
	name, addr, err := pgpkey.PrimaryUser(key.PublicKeyArmored)
	if err != nil {
		return parseError(err)
	}
	return d.mailer.Send(ctx, &email.Message{
		Template: email.TemplateCheckNewSigs,
		Name:     name,
		Email:    addr,
		KeyID:    key.KeyID,
		Nonce:    key.PendingSignatures.Nonce,
		Origin:   origin,
	})
}

func stripTransient(key *keydb.Key) {
	for _, uid := range key.UserIDs {
		uid.Status = keydb.StatusUnknown
		uid.Notify = false
	}
}

// Verify confirms ownership of the email address behind the user ID
// carrying nonce. The user ID's shadow armored body is merged into the
// record's published body, and any other record claiming the same email
// is removed: the last verified key wins per email address.
func (d *Directory) Verify(ctx context.Context, keyID, nonce string) (string, error) {
	keyID = strings.ToLower(keyID)
	if !IsKeyID(keyID) || !IsNonce(nonce) {
		return "", ErrInvalidRequest
	}

	d.locks.lock(keyID)
	defer d.locks.unlock(keyID)

	rec, err := d.store.FindByNonce(ctx, keyID, nonce)
	if err != nil {
		return "", notFound(err, ErrUserIDNotFound)
	}
	uid := rec.UserIDByNonce(nonce)
	if uid.Verified || uid.PublicKeyArmored == "" {
		// The nonce belongs to a removal challenge; it cannot be used
		// to verify.
		return "", ErrUserIDNotFound
	}

	newArmored := uid.PublicKeyArmored
	if rec.PublicKeyArmored != "" {
		newArmored, err = pgpkey.UpdateKey(rec.PublicKeyArmored, uid.PublicKeyArmored)
		if err != nil {
			return "", parseError(err)
		}
	}

	if _, err := d.store.DeleteByEmailExcept(ctx, uid.Email, keyID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if err := d.store.MarkVerified(ctx, keyID, nonce, newArmored); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return uid.Email, nil
}

// VerifySignatures confirms a selection of pending third-party
// certifications. Hashes identify the selected signatures (see
// SigSelectionHash); unselected ones are discarded with the batch.
// It returns the email of the key's primary user.
func (d *Directory) VerifySignatures(ctx context.Context, keyID, nonce string, hashes []string) (string, error) {
	keyID = strings.ToLower(keyID)
	if !IsKeyID(keyID) || !IsNonce(nonce) {
		return "", ErrInvalidRequest
	}

	d.locks.lock(keyID)
	defer d.locks.unlock(keyID)

	rec, err := d.store.FindByPendingNonce(ctx, keyID, nonce)
	if err != nil {
		return "", notFound(err, ErrSignaturesNotFound)
	}

	selected := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		selected[strings.ToLower(h)] = true
	}
	armored := rec.PublicKeyArmored
	for _, sig := range rec.PendingSignatures.Sigs {
		if !selected[SigSelectionHash(sig.Data)] {
			continue
		}
		armored, err = pgpkey.AddSignature(armored, sig)
		if err != nil {
			return "", parseError(err)
		}
	}

	if err := d.store.CommitSignatures(ctx, keyID, armored); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	_, addr, err := pgpkey.PrimaryUser(armored)
	if err != nil {
		return "", parseError(err)
	}
	return addr, nil
}

// PendingSigInfo describes one pending certification for the
// confirmation UI.
type PendingSigInfo struct {
	IssuerFingerprint string    `json:"issuerFingerprint,omitempty"`
	Created           time.Time `json:"created"`
	UserID            string    `json:"userId"`
	Hash              string    `json:"hash"`
}

// PendingSignatures lists the certifications awaiting confirmation on
// the record matched by q, grouped by the signed user ID. The batch
// nonce must match; issuers are resolved against the directory's
// verified keys where possible.
func (d *Directory) PendingSignatures(ctx context.Context, q keydb.Lookup, nonce string) (map[string][]*PendingSigInfo, error) {
	q, err := normalizeLookup(q)
	if err != nil {
		return nil, err
	}
	rec, err := d.store.FindVerified(ctx, q)
	if err != nil {
		return nil, notFound(err, ErrKeyNotFound)
	}
	if rec.PendingSignatures == nil || !IsNonce(nonce) || rec.PendingSignatures.Nonce != nonce {
		return nil, ErrInvalidNonce
	}

	byUser := make(map[string][]*PendingSigInfo)
	for _, sig := range rec.PendingSignatures.Sigs {
		fpr, created, err := pgpkey.SignatureInfo(sig.Data)
		if err != nil {
			d.log.WithError(err).WithField("keyId", rec.KeyID).Warn("skipping undecodable pending signature")
			continue
		}
		info := &PendingSigInfo{
			IssuerFingerprint: fpr,
			Created:           created,
			UserID:            "[unknown identity]",
			Hash:              SigSelectionHash(sig.Data),
		}
		if fpr != "" {
			if issuer, err := d.store.FindVerified(ctx, keydb.Lookup{Fingerprint: fpr}); err == nil {
				if name, addr, err := pgpkey.PrimaryUser(issuer.PublicKeyArmored); err == nil {
					info.UserID = formatUserID(name, addr)
				}
			}
		}
		byUser[sig.UserID] = append(byUser[sig.UserID], info)
	}
	return byUser, nil
}

func formatUserID(name, addr string) string {
	if name == "" {
		return addr
	}
	return name + " <" + addr + ">"
}

// RemoveRequest asks for removal of one user ID (Email set) or of every
// user ID of a key (KeyID set).
type RemoveRequest struct {
	KeyID  string
	Email  string
	Origin string
}

// RequestRemove flags the targeted user IDs with fresh nonces and mails
// a removal challenge to each.
func (d *Directory) RequestRemove(ctx context.Context, req *RemoveRequest) error {
	var q keydb.Lookup
	switch {
	case req.KeyID != "":
		keyID := strings.ToLower(req.KeyID)
		if !IsKeyID(keyID) {
			return fmt.Errorf("%w: malformed key ID", ErrInvalidRequest)
		}
		q.KeyID = keyID
	case req.Email != "":
		addr, ok := NormalizeEmail(req.Email)
		if !ok {
			return fmt.Errorf("%w: malformed email", ErrInvalidRequest)
		}
		q.Emails = []string{addr}
	default:
		return ErrInvalidRequest
	}

	rec, err := d.store.Find(ctx, q)
	if err != nil {
		return notFound(err, ErrUserIDNotFound)
	}

	d.locks.lock(rec.KeyID)
	defer d.locks.unlock(rec.KeyID)
	// Reload under the lock; the record may have changed.
	rec, err = d.store.Find(ctx, keydb.Lookup{KeyID: rec.KeyID})
	if err != nil {
		return notFound(err, ErrUserIDNotFound)
	}

	targets := rec.UserIDs
	if req.Email != "" {
		addr, _ := NormalizeEmail(req.Email)
		uid := rec.UserIDByEmail(addr)
		if uid == nil {
			return ErrUserIDNotFound
		}
		targets = []*keydb.UserID{uid}
	}

	for _, uid := range targets {
		nonce := NewNonce()
		err := d.mailer.Send(ctx, &email.Message{
			Template: email.TemplateVerifyRemove,
			Name:     uid.Name,
			Email:    uid.Email,
			KeyID:    rec.KeyID,
			Nonce:    nonce,
			Origin:   req.Origin,
		})
		if err != nil {
			return err
		}
		if err := d.store.SetRemovalNonce(ctx, rec.KeyID, uid.Email, nonce); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistFailed, err)
		}
	}
	return nil
}

// VerifyRemove confirms a removal challenge. The last user ID removes
// the whole record; removing the last verified user ID clears the
// published armored body. It returns the removed user ID.
func (d *Directory) VerifyRemove(ctx context.Context, keyID, nonce string) (*keydb.UserID, error) {
	keyID = strings.ToLower(keyID)
	if !IsKeyID(keyID) || !IsNonce(nonce) {
		return nil, ErrInvalidRequest
	}

	d.locks.lock(keyID)
	defer d.locks.unlock(keyID)

	rec, err := d.store.FindByNonce(ctx, keyID, nonce)
	if err != nil {
		return nil, notFound(err, ErrUserIDNotFound)
	}
	uid := rec.UserIDByNonce(nonce)

	if len(rec.UserIDs) == 1 {
		if _, err := d.store.DeleteByKeyID(ctx, keyID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistFailed, err)
		}
		return uid, nil
	}

	var remaining []*keydb.UserID
	verifiedLeft := 0
	for _, u := range rec.UserIDs {
		if u == uid {
			continue
		}
		remaining = append(remaining, u)
		if u.Verified {
			verifiedLeft++
		}
	}

	armored := rec.PublicKeyArmored
	if uid.Verified {
		if verifiedLeft > 0 {
			armored, err = pgpkey.RemoveUserID(armored, uid.Email)
			if err != nil {
				return nil, parseError(err)
			}
		} else {
			armored = ""
		}
	}

	if err := d.store.SetUserIDs(ctx, keyID, armored, remaining); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return uid, nil
}

// GetVerified returns the record matching q with at least one verified
// user ID, internal fields included.
func (d *Directory) GetVerified(ctx context.Context, q keydb.Lookup) (*keydb.Key, error) {
	q, err := normalizeLookup(q)
	if err != nil {
		return nil, err
	}
	rec, err := d.store.FindVerified(ctx, q)
	if err != nil {
		return nil, notFound(err, ErrKeyNotFound)
	}
	return rec, nil
}

// Get returns the verified record matching q with all internal fields
// stripped, ready for rendering to lookup clients.
func (d *Directory) Get(ctx context.Context, q keydb.Lookup) (*keydb.Key, error) {
	rec, err := d.GetVerified(ctx, q)
	if err != nil {
		return nil, err
	}
	return rec.Sanitized(), nil
}

// normalizeLookup lowercases and validates the populated predicates.
func normalizeLookup(q keydb.Lookup) (keydb.Lookup, error) {
	if q.IsZero() {
		return q, ErrInvalidRequest
	}
	if q.KeyID != "" {
		q.KeyID = strings.ToLower(q.KeyID)
		if !IsKeyID(q.KeyID) {
			return q, fmt.Errorf("%w: malformed key ID", ErrInvalidRequest)
		}
	}
	if q.Fingerprint != "" {
		q.Fingerprint = strings.ToLower(q.Fingerprint)
		if !IsFingerprint(q.Fingerprint) {
			return q, fmt.Errorf("%w: malformed fingerprint", ErrInvalidRequest)
		}
	}
	for i, e := range q.Emails {
		addr, ok := NormalizeEmail(e)
		if !ok {
			return q, fmt.Errorf("%w: malformed email", ErrInvalidRequest)
		}
		q.Emails[i] = addr
	}
	return q, nil
}

// parseError maps adapter failures to the directory error kinds.
func parseError(err error) error {
	if errors.Is(err, pgpkey.ErrMalformed) || errors.Is(err, pgpkey.ErrNoUserID) {
		return fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return fmt.Errorf("%w: %v", ErrInternalParse, err)
}

// notFound maps a storage miss to kind, passing other failures through
// as persistence errors.
func notFound(err error, kind *Error) error {
	if errors.Is(err, keydb.ErrNotFound) {
		return kind
	}
	return fmt.Errorf("%w: %v", ErrPersistFailed, err)
}
