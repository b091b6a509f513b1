package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestArgon2Hasher_HashAndVerify(t *testing.T) {
	h := cheapHasher()

	digest, err := h.Hash("longpassword1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(digest, "$argon2id$v=19$m=64,t=1,p=1$"))

	ok, err := h.Verify(digest, "longpassword1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify(digest, "longpassword2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArgon2Hasher_SaltsEachHash(t *testing.T) {
	h := cheapHasher()

	a, err := h.Hash("same-password")
	require.NoError(t, err)
	b, err := h.Hash("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestArgon2Hasher_EmptyPassword(t *testing.T) {
	_, err := cheapHasher().Hash("")
	require.ErrorIs(t, err, ErrValidation)
}

func TestArgon2Hasher_VerifyMalformed(t *testing.T) {
	tests := []struct {
		name   string
		digest string
	}{
		{name: "empty", digest: ""},
		{name: "wrong algorithm", digest: "$argon2i$v=19$m=64,t=1,p=1$c2FsdA$a2V5"},
		{name: "wrong version", digest: "$argon2id$v=16$m=64,t=1,p=1$c2FsdA$a2V5"},
		{name: "bad params", digest: "$argon2id$v=19$m=x,t=1,p=1$c2FsdA$a2V5"},
		{name: "zero threads", digest: "$argon2id$v=19$m=64,t=1,p=0$c2FsdA$a2V5"},
		{name: "bad salt", digest: "$argon2id$v=19$m=64,t=1,p=1$!!$a2V5"},
		{name: "bad key", digest: "$argon2id$v=19$m=64,t=1,p=1$c2FsdA$!!"},
	}

	h := cheapHasher()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := h.Verify(tt.digest, "whatever")
			require.Error(t, err)
			assert.False(t, ok)
		})
	}
}

func TestArgon2Hasher_LegacyBcrypt(t *testing.T) {
	h := cheapHasher()
	legacy, err := bcrypt.GenerateFromPassword([]byte("old-password"), bcrypt.MinCost)
	require.NoError(t, err)

	ok, err := h.Verify(string(legacy), "old-password")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify(string(legacy), "other-password")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, h.NeedsUpgrade(string(legacy)))
}

func TestArgon2Hasher_NeedsUpgrade(t *testing.T) {
	weak := NewArgon2Hasher(Argon2Params{Time: 1, MemoryKiB: 64, Threads: 1})
	strong := NewArgon2Hasher(Argon2Params{Time: 2, MemoryKiB: 128, Threads: 1})

	digest, err := weak.Hash("password123")
	require.NoError(t, err)

	assert.False(t, weak.NeedsUpgrade(digest))
	assert.True(t, strong.NeedsUpgrade(digest))
	assert.True(t, strong.NeedsUpgrade("not-a-digest"))
}

func TestNewArgon2Hasher_Defaults(t *testing.T) {
	h := NewArgon2Hasher(Argon2Params{})
	assert.Equal(t, DefaultArgon2Params(), h.params)
}
