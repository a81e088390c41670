// Package roomid generates the opaque room identifiers used to address
// a DropSync session in a shared URL (§6.4).
package roomid

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// Length is the number of base-36 digits in a room id, yielding
	// roughly 36 bits of entropy. Collision resolution is out of scope.
	Length  = 7
	alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// New generates a fresh room id using crypto/rand, not math/rand — the
// same precedent the teacher follows for node identifiers.
func New() (string, error) {
	base := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, Length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", fmt.Errorf("roomid: generate: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}
