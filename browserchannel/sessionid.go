package browserchannel

import (
	"crypto/rand"
	"io"
	"math/big"
)

// sessionIDEntropyBits is the minimum entropy a generated session id must
// carry, per spec: >= 40 bits, base-36 encoded.
const sessionIDEntropyBits = 40

var sessionIDSpace = new(big.Int).Lsh(big.NewInt(1), sessionIDEntropyBits)

// generateSessionID returns a CSPRNG-derived, base-36 encoded session id
// with at least sessionIDEntropyBits of entropy.
func generateSessionID(randSource io.Reader) (string, error) {
	n, err := rand.Int(randSource, sessionIDSpace)
	if err != nil {
		return "", err
	}
	return n.Text(36), nil
}
