package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	argon2SaltLen = 16
	argon2KeyLen  = 32
)

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	// Verify returns (false, nil) on mismatch and an error only for a digest
	// it cannot parse.
	Verify(digest, plain string) (bool, error)
	NeedsUpgrade(digest string) bool
}

type Argon2Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 3, MemoryKiB: 64 * 1024, Threads: 1}
}

// Argon2Hasher produces argon2id PHC strings. Verify also accepts bcrypt
// digests so accounts created before the switch can still log in.
type Argon2Hasher struct {
	params Argon2Params
}

func NewArgon2Hasher(params Argon2Params) *Argon2Hasher {
	defaults := DefaultArgon2Params()
	if params.Time == 0 {
		params.Time = defaults.Time
	}
	if params.MemoryKiB == 0 {
		params.MemoryKiB = defaults.MemoryKiB
	}
	if params.Threads == 0 {
		params.Threads = defaults.Threads
	}
	return &Argon2Hasher{params: params}
}

func (h *Argon2Hasher) Hash(plain string) (string, error) {
	if plain == "" {
		return "", validationf("password cannot be empty")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("HASH_SALT_FAILED").Wrap(err)
	}

	key := argon2.IDKey([]byte(plain), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, argon2KeyLen)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.MemoryKiB,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h *Argon2Hasher) Verify(digest, plain string) (bool, error) {
	if isBcrypt(digest) {
		err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(plain))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, oops.Code("HASH_INVALID").Wrap(err)
	}

	params, salt, expected, err := parseArgon2(digest)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(plain), salt, params.Time, params.MemoryKiB, params.Threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// NeedsUpgrade reports digests that are not argon2id or were produced with
// weaker parameters than the current ones.
func (h *Argon2Hasher) NeedsUpgrade(digest string) bool {
	params, _, _, err := parseArgon2(digest)
	if err != nil {
		return true
	}
	return params.Time < h.params.Time || params.MemoryKiB < h.params.MemoryKiB || params.Threads < h.params.Threads
}

func isBcrypt(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") || strings.HasPrefix(digest, "$2b$") || strings.HasPrefix(digest, "$2y$")
}

func parseArgon2(digest string) (Argon2Params, []byte, []byte, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, oops.Code("HASH_INVALID").Errorf("unsupported hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Argon2Params{}, nil, nil, oops.Code("HASH_INVALID").Wrap(err)
	}
	if version != argon2.Version {
		return Argon2Params{}, nil, nil, oops.Code("HASH_INVALID").Errorf("unsupported argon2 version %d", version)
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return Argon2Params{}, nil, nil, oops.Code("HASH_INVALID").Wrap(err)
	}
	if threads == 0 || threads > 255 || time == 0 || memory == 0 {
		return Argon2Params{}, nil, nil, oops.Code("HASH_INVALID").Errorf("invalid argon2 parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, oops.Code("HASH_INVALID").Wrap(err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Argon2Params{}, nil, nil, oops.Code("HASH_INVALID").Wrap(err)
	}
	if len(key) == 0 || len(key) > 1024 {
		return Argon2Params{}, nil, nil, oops.Code("HASH_INVALID").Errorf("invalid argon2 key length %d", len(key))
	}

	return Argon2Params{Time: time, MemoryKiB: memory, Threads: uint8(threads)}, salt, key, nil
}
