package model

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/xxh3"
)

// Fingerprint is a 128-bit digest of a node's probe-relevant configuration.
// Two nodes with identical ProbeSpecs produce the same Fingerprint; a
// changed fingerprint after an update means the next tick probes a
// different target or shape.
type Fingerprint [16]byte

// Hex returns the lowercase hex encoding of the fingerprint.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// Fingerprint computes the xxh3-128 digest of the spec's canonical JSON.
// encoding/json sorts map keys at all nesting levels, so the output is
// deterministic without manual sorting.
func (p ProbeSpec) Fingerprint() Fingerprint {
	canonical, err := json.Marshal(p)
	if err != nil {
		// ProbeSpec contains only marshalable field types; unreachable.
		return Fingerprint{}
	}
	h128 := xxh3.Hash128(canonical)
	var f Fingerprint
	binary.LittleEndian.PutUint64(f[:8], h128.Lo)
	binary.LittleEndian.PutUint64(f[8:], h128.Hi)
	return f
}
