// Package encoding maps internal sequential poll ids to the short
// human-shareable strings used in poll URLs.
package encoding

import (
	"errors"
	"math"
	"strings"
)

// Digits is the handle alphabet: base 50, case-sensitive, with vowels and
// visually ambiguous characters left out so handles never spell words and
// survive being read aloud.
const Digits = "0123456789BCDFGHJKLMNPQRSTVWXZbcdfghjklmnpqrstvwxz"

var ErrInvalid = errors.New("encoding: invalid handle")

const maxID = int64(math.MaxInt64)

// FromNumber encodes a non-negative integer as a handle string,
// most-significant digit first.
func FromNumber(n int64) (string, error) {
	if n < 0 {
		return "", ErrInvalid
	}
	base := int64(len(Digits))
	var b [16]byte
	i := len(b)
	for {
		i--
		b[i] = Digits[n%base]
		n /= base
		if n == 0 {
			break
		}
	}
	return string(b[i:]), nil
}

// ToNumber decodes a handle string back to its integer id. Any character
// outside the alphabet, or an empty string, yields ErrInvalid.
func ToNumber(encoded string) (int64, error) {
	if encoded == "" {
		return 0, ErrInvalid
	}
	// FromNumber never emits leading zeros, so a padded handle is not the
	// canonical spelling of any id.
	if len(encoded) > 1 && encoded[0] == Digits[0] {
		return 0, ErrInvalid
	}
	base := int64(len(Digits))
	var n int64
	for _, c := range []byte(encoded) {
		d := strings.IndexByte(Digits, c)
		if d < 0 {
			return 0, ErrInvalid
		}
		if n > (maxID-int64(d))/base {
			return 0, ErrInvalid
		}
		n = n*base + int64(d)
	}
	return n, nil
}

// SplitHandle splits a public handle into its encoded id and optional secret
// key. A secret poll's handle is "<encodedId>:<key>".
func SplitHandle(handle string) (encodedID, key string) {
	if i := strings.IndexByte(handle, ':'); i >= 0 {
		return handle[:i], handle[i+1:]
	}
	return handle, ""
}

// JoinHandle builds a public handle from an encoded id and optional key.
func JoinHandle(encodedID, key string) string {
	if key == "" {
		return encodedID
	}
	return encodedID + ":" + key
}
