package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHasherRoundTrip(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost)

	hash, err := hasher.Hash("Sup3r!secret")
	if err != nil {
		t.Fatalf("unexpected hash error: %v", err)
	}
	if hash == "Sup3r!secret" {
		t.Fatalf("expected password to be hashed")
	}
	if err := hasher.Compare(hash, "Sup3r!secret"); err != nil {
		t.Fatalf("expected password to match: %v", err)
	}
	if err := hasher.Compare(hash, "wrong"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := hasher.Compare("", "Sup3r!secret"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected mismatch for empty hash, got %v", err)
	}
}

func TestNewRandomTokenIsUnique(t *testing.T) {
	first, err := NewRandomToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := NewRandomToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(first))
	}
	if first == second {
		t.Fatalf("expected distinct tokens")
	}
}
