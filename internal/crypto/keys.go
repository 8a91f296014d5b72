package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the at-rest credential key
const (
	// Argon2Time - iteration count (time cost)
	Argon2Time = 1
	// Argon2Memory - memory in KB (64MB)
	Argon2Memory = 64 * 1024
	// Argon2Threads - parallelism
	Argon2Threads = 4
	// Argon2KeyLen - output key length in bytes
	Argon2KeyLen = 32
	// SaltSize - salt length in bytes
	SaltSize = 32
)

// GenerateSalt returns a cryptographically random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives the 32-byte at-rest encryption key from a device
// secret and salt using Argon2id. The same (secret, salt) pair always
// yields the same key, so the credential survives restarts.
func DeriveKey(deviceSecret string, salt []byte) ([]byte, error) {
	if deviceSecret == "" {
		return nil, fmt.Errorf("device secret cannot be empty")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt cannot be empty")
	}

	key := argon2.IDKey([]byte(deviceSecret), salt, Argon2Time, Argon2Memory, Argon2Threads, Argon2KeyLen)
	return key, nil
}
