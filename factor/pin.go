package factor

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// PIN hashes use the standard encoded argon2id form:
// $argon2id$v=19$m=...,t=...,p=...$<salt>$<hash>

const (
	pinSaltLength = 16
	pinKeyLength  = 32
	pinMemory     = 64 * 1024
	pinIterations = 3
	pinThreads    = 2
)

// HashPIN encodes pin as an argon2id hash suitable for the credential store.
func HashPIN(pin string) (string, error) {
	salt := make([]byte, pinSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(pin), salt, pinIterations, pinMemory, pinThreads, pinKeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, pinMemory, pinIterations, pinThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPIN reports whether pin matches the encoded argon2id hash using a
// constant-time comparison.
func VerifyPIN(pin, encoded string) bool {
	salt, hash, memory, iterations, threads, err := decodePINHash(encoded)
	if err != nil {
		return false
	}
	computed := argon2.IDKey([]byte(pin), salt, iterations, memory, threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computed) == 1
}

func decodePINHash(encoded string) (salt, hash []byte, memory, iterations uint32, threads uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, errors.New("malformed argon2id hash")
	}
	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, nil, 0, 0, 0, errors.New("unsupported argon2 version")
	}
	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return nil, nil, 0, 0, 0, err
	}
	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, nil, 0, 0, 0, err
	}
	if hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, nil, 0, 0, 0, err
	}
	return salt, hash, memory, iterations, threads, nil
}
