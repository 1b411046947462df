// Package threadkey computes the canonical identity of a two-party
// conversation. Both the lookup and the creation path derive the thread id
// from the same canonical pair, so two clients racing to start the same
// conversation always converge on one thread.
package threadkey

import (
	"crypto/sha256"
	"encoding/hex"

	"parley/pkg/fault"
)

// Key is the order-independent identifier of a participant pair.
// Invariant: Low < High lexicographically.
type Key struct {
	Low  string
	High string
}

// Resolve canonicalizes the pair (a, b). Resolve(a, b) == Resolve(b, a)
// for all distinct a, b; equal or empty ids fail with ErrInvalidParticipants.
func Resolve(a, b string) (Key, error) {
	if a == "" || b == "" || a == b {
		return Key{}, fault.ErrInvalidParticipants
	}
	if a < b {
		return Key{Low: a, High: b}, nil
	}
	return Key{Low: b, High: a}, nil
}

// ThreadID derives the deterministic thread id for the pair. Because the
// id is a pure function of the canonical pair, creation can be an
// idempotent upsert keyed on it.
func (k Key) ThreadID() string {
	h := sha256.New()
	h.Write([]byte(k.Low))
	h.Write([]byte{0})
	h.Write([]byte(k.High))
	return "t" + hex.EncodeToString(h.Sum(nil))[:23]
}
