package util

import (
	"crypto/rand"
	"encoding/base64"
	"sharebox/pkg/domain"

	"github.com/pkg/errors"
)

const (
	ShortIDLength     = 8
	shortIDBytes      = 6
	minCustomIDLength = 2
	maxCustomIDLength = 50
)

// GenShortID returns 8 URL-safe characters (48 random bits). Uniqueness is left
// to the storage layer.
func GenShortID() (string, error) {
	buf := make([]byte, shortIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func ValidateCustomID(id string) error {
	for i := 0; i < len(id); i++ {
		if !isIDChar(id[i]) {
			return domain.ErrCustomIDCharset
		}
	}
	if len(id) < minCustomIDLength || len(id) > maxCustomIDLength {
		return domain.ErrCustomIDLength
	}
	return nil
}

func isIDChar(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_' || c == '-'
}
