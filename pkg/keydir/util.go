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
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	keyIDRx       = regexp.MustCompile(`^[0-9a-f]{16}$`)
	fingerprintRx = regexp.MustCompile(`^[0-9a-f]{40}$`)
	nonceRx       = regexp.MustCompile(`^[0-9a-f]{32}$`)
	emailRx       = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// IsKeyID reports whether s is a normalized 16-char hex key ID.
func IsKeyID(s string) bool { return keyIDRx.MatchString(s) }

// IsFingerprint reports whether s is a normalized 40-char hex fingerprint.
func IsFingerprint(s string) bool { return fingerprintRx.MatchString(s) }

// IsNonce reports whether s is a 32-char hex verification nonce.
func IsNonce(s string) bool { return nonceRx.MatchString(s) }

// NormalizeEmail lowercases and trims s, reporting whether the result
// looks like an email address.
func NormalizeEmail(s string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(s))
	return email, emailRx.MatchString(email)
}

// NewNonce returns a fresh single-use verification token: 32 lowercase
// hex chars of cryptographic randomness.
func NewNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SigSelectionHash returns the identifier a signature is selected by in
// the confirmation UI: the MD5 of the base64-encoded signature packet,
// as lowercase hex. This is a display identifier, not a security check.
func SigSelectionHash(data []byte) string {
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(data)))
	return fmt.Sprintf("%x", sum)
}

// keyedMutex serializes the directory's top-level operations per key ID,
// so concurrent uploads and verifications of the same key cannot observe
// torn multi-step storage writes.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (km *keyedMutex) lock(key string) {
	km.mu.Lock()
	if km.locks == nil {
		km.locks = make(map[string]*keyLock)
	}
	l := km.locks[key]
	if l == nil {
		l = new(keyLock)
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()
	l.Lock()
}

func (km *keyedMutex) unlock(key string) {
	km.mu.Lock()
	l := km.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(km.locks, key)
	}
	km.mu.Unlock()
	l.Unlock()
}
