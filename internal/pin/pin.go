// Package pin handles wallet PIN hashing and verification. Plaintext PINs are
// never persisted or logged; only the bcrypt hash is stored, and rotation
// overwrites it without retaining the previous value.
package pin

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrWeakPin indicates the supplied PIN does not meet the minimum format.
var ErrWeakPin = errors.New("PIN must be 4 to 6 digits")

// Hash derives a salted one-way hash of the PIN.
func Hash(pin string) ([]byte, error) {
	if !valid(pin) {
		return nil, ErrWeakPin
	}
	return bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
}

// Verify compares the supplied PIN against a stored hash in constant time.
func Verify(storedHash []byte, pin string) bool {
	if len(storedHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(storedHash, []byte(pin)) == nil
}

func valid(pin string) bool {
	if len(pin) < 4 || len(pin) > 6 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
