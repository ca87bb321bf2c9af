// Package fingerprint produces the deterministic state digests clients compare for desync detection.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// Algorithm selects the digest function applied to the canonical encoding.
type Algorithm string

const (
	// AlgorithmBLAKE3 is the default 256-bit BLAKE3 digest.
	AlgorithmBLAKE3 Algorithm = "blake3"
	// AlgorithmSHA256 is offered for tooling that cannot link BLAKE3.
	AlgorithmSHA256 Algorithm = "sha256"
)

// Hasher renders values as canonical JSON and digests the bytes.
type Hasher struct {
	algorithm Algorithm
}

// Option customises a Hasher.
type Option func(*Hasher)

// WithAlgorithm overrides the digest function.
func WithAlgorithm(algorithm Algorithm) Option {
	return func(h *Hasher) {
		if algorithm != "" {
			h.algorithm = algorithm
		}
	}
}

// New builds a Hasher, defaulting to BLAKE3.
func New(opts ...Option) Hasher {
	h := Hasher{algorithm: AlgorithmBLAKE3}
	for _, opt := range opts {
		if opt != nil {
			opt(&h)
		}
	}
	return h
}

// Algorithm reports the configured digest function.
func (h Hasher) Algorithm() Algorithm {
	if h.algorithm == "" {
		return AlgorithmBLAKE3
	}
	return h.algorithm
}

// Digest returns the lowercase hex digest of v's canonical JSON encoding.
func (h Hasher) Digest(v any) (string, error) {
	//1.- encoding/json keeps struct field order and sorts map keys, which makes the bytes canonical.
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint encode: %w", err)
	}
	return h.Sum(payload)
}

// Sum digests already canonical bytes.
func (h Hasher) Sum(payload []byte) (string, error) {
	switch h.Algorithm() {
	case AlgorithmBLAKE3:
		sum := blake3.Sum256(payload)
		return hex.EncodeToString(sum[:]), nil
	case AlgorithmSHA256:
		sum := sha256.Sum256(payload)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("fingerprint: unsupported algorithm %q", h.algorithm)
	}
}

// Digest hashes v with the default BLAKE3 hasher.
func Digest(v any) (string, error) {
	return New().Digest(v)
}
