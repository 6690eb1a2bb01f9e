package auth

import (
	"strings"
	"testing"
)

var testParams = Params{Iterations: 1, Memory: 8 * 1024, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestHashPasswordFormat(t *testing.T) {
	h, err := HashPasswordWith("s3cret", testParams)
	if err != nil {
		t.Fatalf("HashPasswordWith() error = %v", err)
	}
	if !strings.HasPrefix(h, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Errorf("unexpected hash format: %s", h)
	}
	if !IsHashed(h) {
		t.Error("IsHashed() = false for argon2id hash")
	}
	h2, _ := HashPasswordWith("s3cret", testParams)
	if h == h2 {
		t.Error("two hashes of the same password share a salt")
	}
}

func TestHashPasswordRejects(t *testing.T) {
	if _, err := HashPasswordWith("", testParams); err == nil {
		t.Error("empty password accepted")
	}
	if _, err := HashPasswordWith(strings.Repeat("x", maxPasswordLength+1), testParams); err == nil {
		t.Error("over-long password accepted")
	}
	if _, err := HashPasswordWith("pw", Params{Iterations: 0, Memory: 8192, Parallelism: 1, SaltLength: 16, KeyLength: 32}); err == nil {
		t.Error("zero iterations accepted")
	}
}

func TestCheckPassword(t *testing.T) {
	hashed, err := HashPasswordWith("correct horse", testParams)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		given  string
		stored string
		want   bool
	}{
		{"plaintext match", "admin", "admin", true},
		{"plaintext mismatch", "wrong", "admin", false},
		{"plaintext prefix", "adm", "admin", false},
		{"empty stored", "", "", false},
		{"hash match", "correct horse", hashed, true},
		{"hash mismatch", "correct horse!", hashed, false},
		{"garbage hash", "x", "$argon2id$v=19$m=bad$salt$hash", false},
		{"wrong version", "correct horse", strings.Replace(hashed, "v=19", "v=16", 1), false},
		{"too long", strings.Repeat("a", maxPasswordLength+1), strings.Repeat("a", maxPasswordLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckPassword(tt.given, tt.stored); got != tt.want {
				t.Errorf("CheckPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}
