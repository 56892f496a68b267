package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/consortium/pkg/errs"
)

// MinPasswordLength is the shortest password accepted by the workflows
const MinPasswordLength = 6

// Hasher hashes and verifies passwords with bcrypt
type Hasher struct {
	cost int
}

// NewHasher creates a hasher; cost <= 0 selects bcrypt.DefaultCost
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash returns the salted bcrypt hash of password
func (h *Hasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", errs.Validation("password must be at most 72 bytes")
	}
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether password matches hash
func (h *Hasher) Verify(hash, password string) bool {
	if hash == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// ValidateNewPassword checks a password entered twice
func ValidateNewPassword(password, confirm string) error {
	if password == "" {
		return errs.Validation("password is required")
	}
	if len(password) < MinPasswordLength {
		return errs.Validation("password must be at least %d characters", MinPasswordLength)
	}
	if password != confirm {
		return errs.Validation("passwords do not match")
	}
	return nil
}
