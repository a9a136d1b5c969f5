// internal/protocol/uid.go
package protocol

import (
	"fmt"
	"math/bits"
	"strings"
)

const base58Alphabet = "123456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

// Base58Decode decodes a UID string into its 64 bit value
func Base58Decode(encoded string) (uint64, error) {
	if encoded == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidUID)
	}

	var value uint64
	for _, ch := range encoded {
		digit := strings.IndexRune(base58Alphabet, ch)
		if digit < 0 {
			return 0, fmt.Errorf("%w: %q contains invalid character %q", ErrInvalidUID, encoded, ch)
		}
		hi, lo := bits.Mul64(value, 58)
		lo, carry := bits.Add64(lo, uint64(digit), 0)
		if hi != 0 || carry != 0 {
			return 0, fmt.Errorf("%w: %q overflows 64 bits", ErrInvalidUID, encoded)
		}
		value = lo
	}
	return value, nil
}

// Base58Encode encodes a value using the UID alphabet
func Base58Encode(value uint64) string {
	if value == 0 {
		return string(base58Alphabet[0])
	}
	var out []byte
	for value > 0 {
		out = append(out, base58Alphabet[value%58])
		value /= 58
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// ParseUID decodes a UID string into the 32 bit value used on the wire.
// 64 bit UIDs are folded the way the devices fold them.
func ParseUID(uid string) (uint32, error) {
	value, err := Base58Decode(uid)
	if err != nil {
		return 0, err
	}
	if value > 0xFFFFFFFF {
		v1 := uint32(value)
		v2 := uint32(value >> 32)
		value = uint64((v1 & 0x00000FFF) |
			(v1&0x0F000000)>>12 |
			(v2&0x0000003F)<<16 |
			(v2&0x000F0000)<<6 |
			(v2&0x3F000000)<<2)
	}
	if value == 0 {
		return 0, fmt.Errorf("%w: %q decodes to zero", ErrInvalidUID, uid)
	}
	return uint32(value), nil
}

// FormatUID encodes a wire UID as a string
func FormatUID(uid uint32) string {
	return Base58Encode(uint64(uid))
}
