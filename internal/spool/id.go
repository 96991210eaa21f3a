// Package spool implements crash-safe persistence for accepted
// messages, keyed by time-sortable random ids (not by content), spec.md §4.F's File and Memory backends. The
// atomic write/fsync/rename discipline generalises chasquid's
// internal/safeio.WriteFile (tempfile + chmod/chown + rename, no fsync)
// by adding the fsync step spec.md requires and the delete-via-tombstone
// sequence chasquid has no analogue for.
package spool

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID is the 128-bit lexicographically time-sortable SpooledMessageId
// spec.md §4.F/§8 describes: a 48-bit millisecond timestamp followed by
// the first 80 bits of a version-4 UUID, Crockford base32-encoded. No
// ULID/KSUID/XID library is present in the example pack (see
// DESIGN.md), so those 80 bits are taken from github.com/google/uuid, a
// dependency the pack does carry, rather than hand-rolling a CSPRNG
// call. Six of them are the UUID's fixed version and variant bits, so
// 74 bits are random.
type ID [16]byte

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewID allocates a fresh, time-ordered ID. now is injected so callers
// (and tests) control the timestamp component deterministically.
func NewID(now time.Time) ID {
	var id ID
	ms := uint64(now.UnixMilli())
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], ms)
	copy(id[0:6], tsBuf[2:8]) // low 48 bits of the millisecond timestamp

	random := uuid.New()
	copy(id[6:16], random[0:10]) // first 80 bits of the UUID (74 random)

	return id
}

// String renders the id as 26 Crockford base32 characters, matching the
// canonical ULID textual form: the only representation spec.md permits
// as a spool filename stem.
func (id ID) String() string {
	var out [26]byte
	// Encode the 128 bits (10 groups of 5 bits + 6 remaining bits handled
	// by the final group) using the standard ULID bit layout.
	out[0] = crockford[(id[0]&224)>>5]
	out[1] = crockford[id[0]&31]
	out[2] = crockford[(id[1]&248)>>3]
	out[3] = crockford[((id[1]&7)<<2)|((id[2]&192)>>6)]
	out[4] = crockford[(id[2]&62)>>1]
	out[5] = crockford[((id[2]&1)<<4)|((id[3]&240)>>4)]
	out[6] = crockford[((id[3]&15)<<1)|((id[4]&128)>>7)]
	out[7] = crockford[(id[4]&124)>>2]
	out[8] = crockford[((id[4]&3)<<3)|((id[5]&224)>>5)]
	out[9] = crockford[id[5]&31]

	encodeTail(out[10:26], id[6:16])
	return string(out[:])
}

// encodeTail base32-encodes the trailing 10 bytes (80 bits) into 16
// Crockford characters.
func encodeTail(dst []byte, src []byte) {
	var acc uint64
	bits := 0
	di := 0
	for _, b := range src {
		acc = (acc << 8) | uint64(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			dst[di] = crockford[(acc>>uint(bits))&31]
			di++
		}
	}
	if bits > 0 {
		dst[di] = crockford[(acc<<uint(5-bits))&31]
		di++
	}
	for di < len(dst) {
		dst[di] = crockford[0]
		di++
	}
}

// ErrInvalidID is returned by ParseID for malformed identifiers:
// spec.md §4.F/§8 requires rejecting any filename stem containing '/',
// '\\', or "..", and more generally anything that is not a well-formed
// 26-character Crockford base32 string.
var ErrInvalidID = fmt.Errorf("spool: invalid message id")

// ParseID validates and parses a filename stem back into an ID.
func ParseID(s string) (ID, error) {
	if len(s) != 26 {
		return ID{}, ErrInvalidID
	}
	if strings.ContainsAny(s, "/\\") || strings.Contains(s, "..") {
		return ID{}, ErrInvalidID
	}

	var id ID
	decoded := make([]byte, 0, 16)
	var acc uint64
	bits := 0
	for i := 0; i < len(s); i++ {
		v := crockfordValue(s[i])
		if v < 0 {
			return ID{}, ErrInvalidID
		}
		if i == 0 {
			// The first character carries only the top 3 bits of the
			// 128-bit value, as String encodes it.
			if v > 7 {
				return ID{}, ErrInvalidID
			}
			acc = uint64(v)
			bits = 3
			continue
		}
		acc = (acc << 5) | uint64(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			decoded = append(decoded, byte(acc>>uint(bits)))
		}
	}
	if len(decoded) != 16 {
		return ID{}, ErrInvalidID
	}
	copy(id[:], decoded)
	return id, nil
}

func crockfordValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		for i := 0; i < len(crockford); i++ {
			if crockford[i] == c {
				return i
			}
		}
	}
	return -1
}
