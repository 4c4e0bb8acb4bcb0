package decode

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// CleanHex removes whitespace and uppercases s.
func CleanHex(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// ParseHex accepts digit pairs with optional embedded spaces ("2201 00" and
// "220100" are equivalent).
func ParseHex(s string) ([]byte, error) {
	c := CleanHex(s)
	if len(c)%2 != 0 {
		return nil, fmt.Errorf("%w: odd digit count %d", ErrInvalidHex, len(c))
	}
	b, err := hex.DecodeString(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return b, nil
}

// HexString renders b as contiguous uppercase hex.
func HexString(b []byte) string { return strings.ToUpper(hex.EncodeToString(b)) }
