package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const argon2Prefix = "$argon2id$"

var errPasswordMismatch = errors.New("password mismatch")

// PasswordScheme names the algorithm used for new password hashes.
type PasswordScheme string

const (
	SchemeBcrypt   PasswordScheme = "bcrypt"
	SchemeArgon2id PasswordScheme = "argon2id"
)

// ParsePasswordScheme accepts the scheme names case-insensitively.
func ParsePasswordScheme(s string) (PasswordScheme, error) {
	scheme := PasswordScheme(strings.ToLower(strings.TrimSpace(s)))
	if !scheme.Valid() {
		return "", fmt.Errorf("auth: unsupported password scheme %q", s)
	}
	return scheme, nil
}

func (s PasswordScheme) Valid() bool {
	return s == SchemeBcrypt || s == SchemeArgon2id
}

// Hash hashes password with the scheme. VerifyPassword accepts the result.
func (s PasswordScheme) Hash(password string) (string, error) {
	switch s {
	case SchemeBcrypt:
		return HashPassword(password)
	case SchemeArgon2id:
		return HashPasswordArgon2(password)
	default:
		return "", fmt.Errorf("auth: unsupported password scheme %q", s)
	}
}

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// HashPasswordArgon2 hashes plaintext password using argon2id in PHC string format.
func HashPasswordArgon2(password string) (string, error) {
	const (
		memory      = 64 * 1024
		iterations  = 2
		parallelism = 1
		keyLength   = 32
		saltLength  = 16
	)
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, keyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		memory,
		iterations,
		parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword compares plaintext password with stored hash. Both supported
// schemes compare the derived hash in constant time.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	if strings.HasPrefix(hash, argon2Prefix) {
		return verifyArgon2(hash, password)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func verifyArgon2(encoded, password string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return errors.New("malformed argon2 hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return fmt.Errorf("malformed argon2 version: %w", err)
	}
	if version != argon2.Version {
		return fmt.Errorf("unsupported argon2 version %d", version)
	}
	var (
		memory      uint32
		iterations  uint32
		parallelism uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return fmt.Errorf("malformed argon2 params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("malformed argon2 salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return fmt.Errorf("malformed argon2 key: %w", err)
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return errPasswordMismatch
	}
	return nil
}
