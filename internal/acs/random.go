package acs

import (
	"crypto/rand"
	"math/big"
)

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomPassword returns a random alphanumeric secret of the given length,
// used to mint per-device connection-request passwords.
func RandomPassword(length int) string {
	secret := make([]byte, length)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range secret {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand never fails on supported platforms; fall back to a
			// fixed character rather than returning a short secret.
			secret[i] = passwordAlphabet[0]
			continue
		}
		secret[i] = passwordAlphabet[n.Int64()]
	}
	return string(secret)
}
