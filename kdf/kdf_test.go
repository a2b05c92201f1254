package kdf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = Params{Time: 1, Memory: 64, Threads: 1, KeyLen: 32}

func newTestKDF(t *testing.T) *Argon2id {
	t.Helper()
	k, err := New(testParams)
	require.NoError(t, err)
	return k
}

func TestDeriveDeterministic(t *testing.T) {
	k := newTestKDF(t)
	salt := bytes.Repeat([]byte{7}, SaltLen)

	a, err := k.Derive("123456", salt)
	require.NoError(t, err)
	b, err := k.Derive("123456", salt)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestDeriveDifferentPins(t *testing.T) {
	k := newTestKDF(t)
	salt := bytes.Repeat([]byte{7}, SaltLen)

	a, err := k.Derive("123456", salt)
	require.NoError(t, err)
	b, err := k.Derive("123457", salt)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDeriveDifferentSalts(t *testing.T) {
	k := newTestKDF(t)
	s1, err := GenerateSalt()
	require.NoError(t, err)
	s2, err := GenerateSalt()
	require.NoError(t, err)

	a, _ := k.Derive("123456", s1)
	b, _ := k.Derive("123456", s2)
	assert.NotEqual(t, a, b)
}

func TestDomainSeparation(t *testing.T) {
	k := newTestKDF(t)
	salt := bytes.Repeat([]byte{1}, SaltLen)

	wallet, err := k.Derive("123456", salt)
	require.NoError(t, err)
	binding, err := k.WithDomain("pid-binding").Derive("123456", salt)
	require.NoError(t, err)
	again, err := k.WithDomain("pid-binding").Derive("123456", salt)
	require.NoError(t, err)

	assert.NotEqual(t, wallet, binding)
	assert.Equal(t, binding, again)
}

func TestDeriveRejectsBadInput(t *testing.T) {
	k := newTestKDF(t)

	_, err := k.Derive("", bytes.Repeat([]byte{1}, SaltLen))
	assert.ErrorIs(t, err, ErrEmptyPin)

	_, err = k.Derive("1234", []byte("short"))
	assert.ErrorIs(t, err, ErrShortSalt)
}

func TestGenerateSalt(t *testing.T) {
	a, err := GenerateSalt()
	require.NoError(t, err)
	b, err := GenerateSalt()
	require.NoError(t, err)

	assert.Len(t, a, SaltLen)
	assert.GreaterOrEqual(t, len(a), MinSaltLen)
	assert.NotEqual(t, a, b)
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, DefaultParams.Validate())

	_, err := New(Params{Time: 0, Memory: 64, Threads: 1, KeyLen: 32})
	assert.ErrorIs(t, err, ErrBadParams)

	_, err = New(Params{Time: 1, Memory: 4, Threads: 1, KeyLen: 32})
	assert.ErrorIs(t, err, ErrBadParams)

	_, err = New(Params{Time: 1, Memory: 64, Threads: 1, KeyLen: 8})
	assert.ErrorIs(t, err, ErrBadParams)
}
