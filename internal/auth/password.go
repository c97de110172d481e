package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"jihu_proxy/internal/utils"
)

// BcryptCost is the work factor for new password hashes.
const BcryptCost = 10

// Passwords hashes and verifies account passwords. Hashes written by older
// deployments as hex(sha256(salt + password)) verify when LegacySalt is set.
type Passwords struct {
	LegacySalt string
}

func (p Passwords) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

// Verify reports whether password matches stored. legacy is true when the
// match was against a legacy hash, so the caller can upgrade it.
func (p Passwords) Verify(password, stored string) (ok, legacy bool) {
	if isBcrypt(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil, false
	}
	if p.LegacySalt == "" {
		return false, false
	}
	if utils.EqualHash(utils.HashString(p.LegacySalt+password), stored) {
		return true, true
	}
	return false, false
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

// ValidateStrength requires 8+ characters that are neither all digits nor
// all ASCII letters.
func ValidateStrength(password string) error {
	if len(password) < 8 {
		return ErrWeakPassword
	}

	allDigits, allLetters := true, true
	for _, c := range password {
		isDigit := c >= '0' && c <= '9'
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !isDigit {
			allDigits = false
		}
		if !isLetter {
			allLetters = false
		}
	}
	if allDigits || allLetters {
		return ErrWeakPassword
	}
	return nil
}
