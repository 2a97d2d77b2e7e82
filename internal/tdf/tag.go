// Package tdf implements the TDF tagged binary serialization format used
// by the Blaze protocol: packed four-character field tags, the in-memory
// value tree, and the deterministic wire codec.
package tdf

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedTag is returned by Pack when a label contains characters
// outside the tag alphabet [A-Z0-9_ ] or is not exactly four characters.
var ErrMalformedTag = errors.New("tdf: malformed tag label")

// Tag is a packed four-character field label. The four characters occupy
// the high 24 bits, six bits each; the low byte is reserved and always
// zero so the wire codec can reuse it for the kind descriptor.
type Tag uint32

// TagFiller is the canonical character Unpack substitutes for six-bit
// groups that fall outside the tag alphabet.
const TagFiller = ' '

// tagAlphabet reports whether c is a legal tag label character.
func tagAlphabet(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == ' ':
		return true
	}
	return false
}

// Pack converts a four-character label into its packed tag. Labels are
// case-insensitive; lowercase letters are canonicalized to uppercase.
func Pack(label string) (Tag, error) {
	if len(label) != 4 {
		return 0, fmt.Errorf("%w: %q must be 4 characters", ErrMalformedTag, label)
	}

	label = strings.ToUpper(label)

	var tag Tag
	shift := uint(26)
	for i := 0; i < 4; i++ {
		c := label[i]
		if !tagAlphabet(c) {
			return 0, fmt.Errorf("%w: %q has illegal character %q", ErrMalformedTag, label, c)
		}
		tag |= (Tag(c-0x20) & 0x3F) << shift
		shift -= 6
	}

	return tag, nil
}

// MustPack is like Pack but panics on a malformed label. Intended for
// compile-time-constant labels in handler code.
func MustPack(label string) Tag {
	tag, err := Pack(label)
	if err != nil {
		panic(err)
	}
	return tag
}

// Unpack recovers the label from a packed tag. It is total over all
// 32-bit inputs: six-bit groups that decode outside the alphabet are
// replaced with TagFiller so diagnostics never fail.
func (t Tag) Unpack() string {
	var label [4]byte
	shift := uint(26)
	for i := 0; i < 4; i++ {
		c := byte(t>>shift)&0x3F + 0x20
		if !tagAlphabet(c) {
			c = TagFiller
		}
		label[i] = c
		shift -= 6
	}
	return string(label[:])
}

// String returns the label form for logging.
func (t Tag) String() string {
	return t.Unpack()
}
