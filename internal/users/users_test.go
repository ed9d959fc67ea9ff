package users

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmark/coordinator/internal/authority"
)

type resetRecorder struct {
	resets []string
}

func (r *resetRecorder) ResetUserInFlight(user string) error {
	r.resets = append(r.resets, user)
	return nil
}

func writeList(t *testing.T, path string, list map[string]string) {
	t.Helper()
	raw, err := json.Marshal(list)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
}

func fixture(t *testing.T) (*Registry, *authority.Authority, *resetRecorder, string) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	entry := logrus.NewEntry(log)
	auth := authority.New("", 4, entry)
	rec := &resetRecorder{}
	path := filepath.Join(t.TempDir(), "userList.json")
	return NewRegistry(path, auth, rec, entry), auth, rec, path
}

func TestLoad(t *testing.T) {
	reg, auth, _, path := fixture(t)
	hash, err := auth.HashPassword("pass1234")
	require.NoError(t, err)
	writeList(t, path, map[string]string{"iris": hash, "manager": hash})

	require.NoError(t, reg.Load())
	assert.True(t, auth.Exists("iris"))
	assert.True(t, auth.VerifyPassword("manager", "pass1234"))
}

func TestLoadMissingFileFails(t *testing.T) {
	reg, _, _, _ := fixture(t)
	assert.Error(t, reg.Load())
}

func TestReloadAddsAndRemoves(t *testing.T) {
	reg, auth, rec, path := fixture(t)
	hash, err := auth.HashPassword("pass1234")
	require.NoError(t, err)
	writeList(t, path, map[string]string{"iris": hash, "omar": hash})
	require.NoError(t, reg.Load())

	// omar logs in and holds a token
	_, err = auth.IssueToken("omar")
	require.NoError(t, err)

	// omar is dropped, pema is added
	writeList(t, path, map[string]string{"iris": hash, "pema": hash})
	require.NoError(t, reg.Reload())

	assert.True(t, auth.Exists("pema"))
	assert.False(t, auth.Exists("omar"))
	assert.Equal(t, []string{"omar"}, rec.resets,
		"removed users must have their in-flight work reset")
	assert.False(t, auth.HasToken("omar"))
}

func TestAddKeepsUserUntilFileDropsThem(t *testing.T) {
	reg, auth, _, path := fixture(t)
	hash, err := auth.HashPassword("pass1234")
	require.NoError(t, err)
	writeList(t, path, map[string]string{"iris": hash})
	require.NoError(t, reg.Load())

	reg.Add("apiuser", hash)
	assert.True(t, auth.Exists("apiuser"))

	// file does not list apiuser; reload removes them
	require.NoError(t, reg.Reload())
	assert.False(t, auth.Exists("apiuser"))
}
