// Package ident generates and validates the time-sortable identifiers used
// throughout the document store: documents, sessions, and datasets all carry
// one of these as their id.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// nativePattern matches the native {micros_hex}_{rand_hex} shape.
var nativePattern = regexp.MustCompile(`^[0-9a-f]+_[0-9a-f]+$`)

// Clock is injected into New so tests can freeze wall-clock time without
// faking the system clock.
var Clock = time.Now

// New returns a fresh identifier: hex-encoded microseconds since the Unix
// epoch, joined by "_" to a 48-bit random hex nonce. IDs minted on the same
// host sort chronologically as byte strings.
func New() string {
	micros := Clock().UnixMicro()
	nonce := make([]byte, 6)
	if _, err := rand.Read(nonce); err != nil {
		// crypto/rand failing is not something callers can recover from
		// meaningfully; fall back to an all-zero nonce rather than panic,
		// accepting a (vanishingly unlikely) collision risk.
		for i := range nonce {
			nonce[i] = 0
		}
	}
	return fmt.Sprintf("%x_%s", micros, hex.EncodeToString(nonce))
}

// IsValid reports whether s is a native identifier or an RFC-4122 UUID
// (accepted for interop with external systems that mint UUIDs).
func IsValid(s string) bool {
	if s == "" {
		return false
	}
	if nativePattern.MatchString(s) {
		return true
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Empty returns the sentinel "belongs to any session" identifier: a
// same-length string with every character except '_' replaced by '0',
// modeled on a freshly minted
// native id so that Empty() is itself a valid-shaped identifier.
func Empty() string {
	sample := New()
	return strings.Map(func(r rune) rune {
		if r == '_' {
			return '_'
		}
		return '0'
	}, sample)
}

// IsEmpty reports whether s is the empty-id sentinel: every non-underscore
// character is '0'.
func IsEmpty(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && r != '0' {
			return false
		}
	}
	return true
}
