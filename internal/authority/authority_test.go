package authority

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthority(t *testing.T) *Authority {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	// low cost keeps the test fast
	return New("", 4, logrus.NewEntry(log))
}

func addUser(t *testing.T, a *Authority, user, pw string) {
	t.Helper()
	hash, err := a.HashPassword(pw)
	require.NoError(t, err)
	a.AddUser(user, hash)
}

func TestVerifyPassword(t *testing.T) {
	a := testAuthority(t)
	addUser(t, a, "iris", "s3cret!")

	assert.True(t, a.VerifyPassword("iris", "s3cret!"))
	assert.False(t, a.VerifyPassword("iris", "wrong"))
	assert.False(t, a.VerifyPassword("nobody", "s3cret!"))

	a.SetEnabled("iris", false)
	assert.False(t, a.VerifyPassword("iris", "s3cret!"),
		"disabled user must fail exactly like a bad password")
}

func TestTokenLifecycle(t *testing.T) {
	a := testAuthority(t)
	addUser(t, a, "iris", "s3cret!")

	token, err := a.IssueToken("iris")
	require.NoError(t, err)
	require.Len(t, token, 32)

	assert.True(t, a.Validate("iris", token))
	assert.False(t, a.Validate("iris", "not-even-hex"))
	assert.False(t, a.Validate("someoneelse", token))

	// one token at a time
	_, err = a.IssueToken("iris")
	assert.ErrorIs(t, err, ErrTokenHeld)

	a.Revoke("iris")
	assert.False(t, a.Validate("iris", token))
	a.Revoke("iris") // idempotent

	fresh, err := a.IssueToken("iris")
	require.NoError(t, err)
	assert.NotEqual(t, token, fresh)
	assert.False(t, a.Validate("iris", token), "old token must stay dead")
	assert.True(t, a.Validate("iris", fresh))
}

func TestValidateDisabledUser(t *testing.T) {
	a := testAuthority(t)
	addUser(t, a, "iris", "s3cret!")

	token, err := a.IssueToken("iris")
	require.NoError(t, err)
	a.SetEnabled("iris", false)
	assert.False(t, a.Validate("iris", token))
}

func TestMaskedStorageDiffersAcrossMasters(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	a := New("3f2504e0-4f89-41d3-9a0c-0305e82c3301", 4, logrus.NewEntry(log))
	b := New("00000000-0000-0000-0000-000000000000", 4, logrus.NewEntry(log))
	assert.NotEqual(t, a.MasterToken(), b.MasterToken())
	// a bogus master string falls back to a generated one
	c := New("not-a-uuid", 4, logrus.NewEntry(log))
	assert.Len(t, c.MasterToken(), 32)
}

func TestBasicCheck(t *testing.T) {
	cases := []struct {
		user, pw string
		ok       bool
	}{
		{"iris", "s3cret!", true},
		{"ab", "longenough", false},      // username too short
		{"iris!", "longenough", false},   // username not alphanumeric
		{"iris", "abc", false},           // password too short
		{"iris", "xxirisxx", false},      // password contains username
		{"marker01", "grading42", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, BasicCheck(c.user, c.pw), "%s/%s", c.user, c.pw)
	}
}

func TestRemoveUser(t *testing.T) {
	a := testAuthority(t)
	addUser(t, a, "iris", "s3cret!")
	require.True(t, a.Exists("iris"))
	a.RemoveUser("iris")
	assert.False(t, a.Exists("iris"))
	assert.False(t, a.VerifyPassword("iris", "s3cret!"))
}
