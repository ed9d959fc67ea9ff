// Package authority is the single owner of credentials and session
// tokens: it verifies passwords, issues one opaque token per user, and
// validates tokens on every authenticated request.
package authority

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// ErrTokenHeld is returned by IssueToken when the user already has an
// active token; the caller must revoke it first.
var ErrTokenHeld = errors.New("user already holds an active token")

type record struct {
	hash    string
	enabled bool
	// token is the XOR-masked form; empty when logged out.
	token []byte
}

// Authority holds per-user password hashes and active session tokens.
// Stored tokens are XORed with a server-wide master secret so a read of
// the table alone does not reveal live tokens.
type Authority struct {
	mu     sync.RWMutex
	master [16]byte
	cost   int
	users  map[string]*record
	log    *logrus.Entry
}

// New builds an Authority. masterToken may be a UUID string; anything
// else (including empty) causes a fresh master secret to be generated.
func New(masterToken string, bcryptCost int, log *logrus.Entry) *Authority {
	a := &Authority{
		cost:  bcryptCost,
		users: make(map[string]*record),
		log:   log,
	}
	if a.cost == 0 {
		a.cost = bcrypt.DefaultCost
	}
	if u, err := uuid.Parse(masterToken); err == nil {
		a.master = u
		log.Debug("using supplied master token")
	} else {
		a.master = uuid.New()
		if masterToken != "" {
			log.Warn("supplied master token is not a valid UUID, generated a new one")
		} else {
			log.Info("no master token supplied, generated one")
		}
	}
	return a
}

// MasterToken returns the hex form of the active master secret.
func (a *Authority) MasterToken() string {
	return hex.EncodeToString(a.master[:])
}

// AddUser registers (or re-registers) a user with a stored bcrypt hash.
// New users start enabled with no token.
func (a *Authority) AddUser(user, passwordHash string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.users[user]; ok {
		rec.hash = passwordHash
		return
	}
	a.users[user] = &record{hash: passwordHash, enabled: true}
}

// RemoveUser drops the user record entirely. The caller is responsible
// for resetting any in-flight tasks first.
func (a *Authority) RemoveUser(user string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.users, user)
}

// Exists reports whether the user is known.
func (a *Authority) Exists(user string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.users[user]
	return ok
}

// Enabled reports whether the user is known and enabled.
func (a *Authority) Enabled(user string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.users[user]
	return ok && rec.enabled
}

// SetEnabled flips the enabled flag; unknown users are ignored.
func (a *Authority) SetEnabled(user string, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.users[user]; ok {
		rec.enabled = enabled
	}
}

// Users returns the known usernames.
func (a *Authority) Users() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.users))
	for u := range a.users {
		names = append(names, u)
	}
	return names
}

// HashPassword produces the stored form of a password.
func (a *Authority) HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// BasicCheck applies the minimal username/password sanity rules used by
// the administrative create/update path: username at least 4 alphanumeric
// characters, password at least 4 characters and not containing the
// username.
func BasicCheck(user, password string) bool {
	if len(user) < 4 {
		return false
	}
	for _, r := range user {
		if !isAlnum(r) {
			return false
		}
	}
	if len(password) < 4 {
		return false
	}
	return !contains(password, user)
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// VerifyPassword checks user/password. Unknown users, disabled users and
// hash mismatches are indistinguishable to the caller.
func (a *Authority) VerifyPassword(user, password string) bool {
	a.mu.RLock()
	rec, ok := a.users[user]
	a.mu.RUnlock()
	if !ok || !rec.enabled || rec.hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(rec.hash), []byte(password)) == nil
}

// IssueToken creates a fresh 128-bit session token for user and stores
// its masked form. Fails with ErrTokenHeld when a token is already out.
func (a *Authority) IssueToken(user string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.users[user]
	if !ok {
		return "", errors.New("unknown user")
	}
	if len(rec.token) != 0 {
		return "", ErrTokenHeld
	}
	token := uuid.New()
	rec.token = a.mask(token)
	return hex.EncodeToString(token[:]), nil
}

// HasToken reports whether the user currently holds a token.
func (a *Authority) HasToken(user string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.users[user]
	return ok && len(rec.token) != 0
}

// Validate checks a client token against the stored masked value in
// constant time.
func (a *Authority) Validate(user, clientToken string) bool {
	raw, err := hex.DecodeString(clientToken)
	if err != nil || len(raw) != 16 {
		return false
	}
	var token [16]byte
	copy(token[:], raw)

	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.users[user]
	if !ok || !rec.enabled || len(rec.token) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(a.mask(token), rec.token) == 1
}

// Revoke clears any stored token for user. Idempotent.
func (a *Authority) Revoke(user string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.users[user]; ok {
		rec.token = nil
	}
}

func (a *Authority) mask(token [16]byte) []byte {
	masked := make([]byte, 16)
	for i := range masked {
		masked[i] = token[i] ^ a.master[i]
	}
	return masked
}
