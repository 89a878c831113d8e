// Package chain implements the hash chain that makes the audit log
// tamper-evident.
//
// Every record's hash is computed over its canonical encoding, which
// includes the previous record's hash:
//
//	record_hash = H(canonical_bytes(sequence | timestamp | severity | type | actor | payload | prev_hash))
//
// Modifying, deleting, inserting or reordering any record therefore breaks
// the chain from that point forward. The first record of a chain links to
// the all-zero digest.
package chain

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/ctrlai/chainlog/internal/record"
)

// Algorithm names a 256-bit digest function.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA512_256 Algorithm = "sha512-256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = SHA256

// ParseAlgorithm maps a configured name onto an Algorithm. Empty selects the
// default.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return DefaultAlgorithm, nil
	case SHA256, SHA512_256, BLAKE2b256:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q (use sha256, sha512-256 or blake2b-256)", s)
	}
}

// Hasher computes link hashes and seal hashes. When constructed with a key,
// digests are keyed (HMAC for the SHA-2 family, keyed BLAKE2b otherwise) so
// that an attacker with write access to storage cannot forge a consistent
// chain without the key.
//
// A Hasher is immutable and safe for concurrent use.
type Hasher struct {
	alg     Algorithm
	keyed   bool
	newHash func() hash.Hash
}

// New returns a Hasher for alg. key may be nil.
func New(alg Algorithm, key []byte) (*Hasher, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	key = append([]byte(nil), key...)

	var base func() hash.Hash
	switch alg {
	case SHA256:
		base = sha256.New
	case SHA512_256:
		base = sha512.New512_256
	case BLAKE2b256:
		if len(key) > blake2b.Size {
			return nil, fmt.Errorf("blake2b key must be at most %d bytes, got %d", blake2b.Size, len(key))
		}
		k := key
		if len(k) == 0 {
			k = nil
		}
		// Only fails on oversized keys, checked above.
		if _, err := blake2b.New256(k); err != nil {
			return nil, fmt.Errorf("initializing blake2b: %w", err)
		}
		return &Hasher{
			alg:   alg,
			keyed: len(key) > 0,
			newHash: func() hash.Hash {
				h, _ := blake2b.New256(k)
				return h
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}

	h := &Hasher{alg: alg, newHash: base}
	if len(key) > 0 {
		h.keyed = true
		h.newHash = func() hash.Hash { return hmac.New(base, key) }
	}
	return h, nil
}

// Algorithm returns the digest algorithm in use.
func (h *Hasher) Algorithm() Algorithm { return h.alg }

// Keyed reports whether digests are keyed.
func (h *Hasher) Keyed() bool { return h.keyed }

// Sum hashes an arbitrary byte string.
func (h *Hasher) Sum(data []byte) record.Digest {
	hh := h.newHash()
	hh.Write(data)
	var d record.Digest
	copy(d[:], hh.Sum(nil))
	return d
}

// Link computes the hash of r as if it were chained after prev. r.PrevHash
// and r.Hash are ignored. Fails with *record.EncodingError when r has no
// canonical encoding.
func (h *Hasher) Link(prev record.Digest, r *record.Record) (record.Digest, error) {
	c := *r
	c.PrevHash = prev
	b, err := record.CanonicalBytes(&c)
	if err != nil {
		return record.Digest{}, err
	}
	return h.Sum(b), nil
}

// Check recomputes the hash of r from its own fields, including its stored
// PrevHash, and reports whether it matches r.Hash.
func (h *Hasher) Check(r *record.Record) (bool, record.Digest, error) {
	got, err := h.Link(r.PrevHash, r)
	if err != nil {
		return false, got, err
	}
	return hmac.Equal(got[:], r.Hash[:]), got, nil
}
