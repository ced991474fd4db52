package utils

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword(hash, "s3cret") {
		t.Error("correct password rejected")
	}
	if VerifyPassword(hash, "wrong") {
		t.Error("wrong password accepted")
	}
}

func TestHashPasswordCostOutOfRange(t *testing.T) {
	// A misconfigured cost must not error out registration; it falls back
	// to the bcrypt default.
	if _, err := HashPassword("s3cret", 99); err != nil {
		t.Fatalf("out-of-range cost: %v", err)
	}
	if _, err := HashPassword("s3cret", -1); err != nil {
		t.Fatalf("negative cost: %v", err)
	}
}
