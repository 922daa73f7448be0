package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes is the bcrypt input bound; longer passwords are rejected
// rather than silently truncated.
const MaxPasswordBytes = 72

// Work factor bounds accepted by NewHasher.
const (
	DefaultCost = bcrypt.DefaultCost
	MinCost     = bcrypt.MinCost
	MaxCost     = bcrypt.MaxCost
)

// Hasher derives and checks salted bcrypt password hashes.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher with the given work factor. Zero selects
// bcrypt.DefaultCost; out-of-range values are clamped.
func NewHasher(cost int) *Hasher {
	switch {
	case cost == 0:
		cost = DefaultCost
	case cost < MinCost:
		cost = MinCost
	case cost > MaxCost:
		cost = MaxCost
	}
	return &Hasher{cost: cost}
}

// Cost reports the configured work factor.
func (h *Hasher) Cost() int { return h.cost }

// Hash returns an algorithm-tagged hash of password.
func (h *Hasher) Hash(password string) (string, error) {
	if err := checkPassword(password); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether password matches hash. A mismatch is not an error.
func (h *Hasher) Verify(password, hash string) (bool, error) {
	if password == "" {
		return false, &ValidationError{Field: "password", Reason: "must not be empty"}
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("verify password: %w", err)
	}
}

// HashCost extracts the work factor recorded in a stored hash.
func HashCost(hash string) (int, error) {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return 0, fmt.Errorf("read hash cost: %w", err)
	}
	return cost, nil
}

func checkPassword(password string) error {
	if password == "" {
		return &ValidationError{Field: "password", Reason: "must not be empty"}
	}
	if len(password) > MaxPasswordBytes {
		return &ValidationError{Field: "password", Reason: fmt.Sprintf("must be at most %d bytes", MaxPasswordBytes)}
	}
	return nil
}
