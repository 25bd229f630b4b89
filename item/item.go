// Package item defines the atomic unit the merge tree stores: a small,
// fixed-shape header plus an opaque body, together with the header
// validation and content-addressed version derivation rules.
package item

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// MaxIDLength is the spec'd upper bound on an item id (§3: "opaque object
// identity ... ≤254 bytes").
const MaxIDLength = 254

// Header carries every field of an item except its body.
type Header struct {
	ID string   // opaque object identity
	V  string   // version: base64 of exactly VSize bytes
	PA []string // ordered parent versions; empty for a root item
	PE string   // perspective label; empty for local items

	I uint64 // local insertion sequence, assigned on append
	C bool   // conflict bit
	D bool   // delete (tombstone) bit
}

// Item is a Header plus its opaque body.
type Item struct {
	Header
	Body map[string]interface{}
}

// Clone returns a deep-enough copy of it: Header.PA is copied, Body is
// copied one level deep (sufficient for the mutations this package and
// tree/mergetree perform: replacing PA, flipping C/D, merging attributes).
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	out := *it
	out.PA = append([]string(nil), it.PA...)
	if it.Body != nil {
		out.Body = make(map[string]interface{}, len(it.Body))
		for k, v := range it.Body {
			out.Body[k] = v
		}
	}
	return &out
}

// IsRoot reports whether the item has no parents.
func (h Header) IsRoot() bool { return len(h.PA) == 0 }

// Errors from Validate.
var (
	ErrInvalidHeader = errors.New("invalid header")
)

// Validate checks the header shape contract: non-empty id within bound,
// a well-formed version,
// well-formed parent versions, and a body that is a mapping (always true
// here given the Go type, but nil bodies are rejected for non-tombstones
// since the wire/JS source treats body as a required mapping).
func Validate(it *Item, vSize int) error {
	if it == nil {
		return fmt.Errorf("%w: nil item", ErrInvalidHeader)
	}
	if it.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidHeader)
	}
	if len(it.ID) > MaxIDLength {
		return fmt.Errorf("%w: id %q exceeds %d bytes", ErrInvalidHeader, it.ID, MaxIDLength)
	}
	if it.V != "" {
		if err := validateVersionString(it.V, vSize); err != nil {
			return fmt.Errorf("%w: version: %v", ErrInvalidHeader, err)
		}
	}
	for _, p := range it.PA {
		if err := validateVersionString(p, vSize); err != nil {
			return fmt.Errorf("%w: parent: %v", ErrInvalidHeader, err)
		}
	}
	if it.Body == nil && !it.D {
		return fmt.Errorf("%w: missing body", ErrInvalidHeader)
	}
	return nil
}

// validateVersionString checks that v decodes to exactly vSize bytes: a
// version is the URL-safe base64 encoding of exactly vSize raw bytes. This
// accepts any vSize in [1,6] and computes base64 padding explicitly,
// rather than checking len(v)*6 == vSize*8 (which only admits multiples
// of 3).
func validateVersionString(v string, vSize int) error {
	if vSize < 1 || vSize > 6 {
		return fmt.Errorf("vSize %d out of range [1,6]", vSize)
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return fmt.Errorf("%q: not base64: %w", v, err)
	}
	if len(b) != vSize {
		return fmt.Errorf("%q: decodes to %d bytes, want %d", v, len(b), vSize)
	}
	return nil
}

// EncodeVersion encodes raw version bytes (exactly vSize of them) to the
// external base64 form.
func EncodeVersion(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeVersion decodes an external base64 version string back to raw bytes.
func DecodeVersion(v string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(v)
}

// DeriveVersion computes the deterministic content-addressed version for a
// locally written item lacking one: the first vSize bytes of a hash over
// the canonicalized body followed by the sorted parent versions.
func DeriveVersion(body map[string]interface{}, parents []string, vSize int) string {
	h := sha256.New()
	h.Write(Canonicalize(body))
	sorted := append([]string(nil), parents...)
	sort.Strings(sorted)
	for _, p := range sorted {
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return EncodeVersion(sum[:vSize])
}
