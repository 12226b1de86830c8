package security

import (
	"crypto/rand"
	"math/big"
)

const (
	lowerChars  = "abcdefghijkmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	digitChars  = "23456789"
	symbolChars = "!@#$%^&*"

	tempPasswordLength = 20
)

// TempPassword generates the one-time credential for a freshly created
// identity user, containing at least one character from each class. The user
// is forced to change it on first login; the value is handed to the identity
// service and then discarded, never logged or stored in status.
func TempPassword() (string, error) {
	all := lowerChars + upperChars + digitChars + symbolChars
	buf := make([]byte, tempPasswordLength)

	// One guaranteed pick per class, rest from the full alphabet.
	classes := []string{lowerChars, upperChars, digitChars, symbolChars}
	for i := range buf {
		source := all
		if i < len(classes) {
			source = classes[i]
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(source))))
		if err != nil {
			return "", err
		}
		buf[i] = source[n.Int64()]
	}

	// Shuffle so the guaranteed picks are not positionally predictable.
	for i := len(buf) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		j := n.Int64()
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf), nil
}
