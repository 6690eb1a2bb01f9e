package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sharebox/svc/util"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	maxPasswordLength = 1024
	hashPrefix        = "$argon2id$"
)

// Params are the argon2id cost settings written into new hashes.
type Params struct {
	Iterations  uint32
	Memory      uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

var DefaultParams = Params{
	Iterations:  3,
	Memory:      64 * 1024,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

func (p Params) validate() error {
	if p.Iterations == 0 || p.Iterations > 100 {
		return errors.New("iterations must be between 1 and 100")
	}
	if p.Memory < 1*1024 || p.Memory > 2*1024*1024 {
		return errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if p.Parallelism == 0 || p.Parallelism > 128 {
		return errors.New("parallelism must be between 1 and 128")
	}
	if p.SaltLength < 8 || p.KeyLength < 16 {
		return errors.New("salt and key lengths too short")
	}
	return nil
}

// HashPassword returns a PHC-format argon2id string suitable for auth.password.
func HashPassword(password string) (string, error) {
	return HashPasswordWith(password, DefaultParams)
}

func HashPasswordWith(password string, p Params) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	if len(password) > maxPasswordLength {
		return "", errors.New("password too long")
	}
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	pwd := []byte(password)
	hash := argon2.IDKey(pwd, salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	defer util.Wipe(pwd, hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// IsHashed reports whether stored is an argon2id hash rather than a plaintext
// password.
func IsHashed(stored string) bool {
	return strings.HasPrefix(stored, hashPrefix)
}

// CheckPassword compares a login attempt with the configured password, which
// may be plaintext or an argon2id hash.
func CheckPassword(given, stored string) bool {
	if stored == "" || len(given) > maxPasswordLength {
		return false
	}
	if IsHashed(stored) {
		return verifyHash(given, stored)
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(stored)) == 1
}

func verifyHash(pwd, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var mem, iters uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil {
		return false
	}
	if mem == 0 || mem > 2*1024*1024 || iters == 0 || iters > 1000 || threads == 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return false
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 || len(hash) > 256 {
		return false
	}
	pwdBytes := []byte(pwd)
	other := argon2.IDKey(pwdBytes, salt, iters, mem, threads, uint32(len(hash)))
	defer util.Wipe(pwdBytes, other)
	return subtle.ConstantTimeCompare(hash, other) == 1
}
