package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func writeShadow(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shadow")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLookupShadowHash(t *testing.T) {
	path := writeShadow(t, ""+
		"root:$6$salt$digest:19000:0:99999:7:::\n"+
		"daemon:*:19000:0:99999:7:::\n"+
		"alice:$y$j9T$salt$digest:19000:0:99999:7:::\n")

	hash, err := lookupShadowHash(path, "alice")
	require.NoError(t, err)
	assert.Equal(t, "$y$j9T$salt$digest", hash)

	_, err = lookupShadowHash(path, "mallory")
	assert.Error(t, err)
}

func TestLookupShadowHashSkipsMalformedLines(t *testing.T) {
	path := writeShadow(t, "garbage\nbob:$6$s$d:1:2:3:4:::\n")

	hash, err := lookupShadowHash(path, "bob")
	require.NoError(t, err)
	assert.Equal(t, "$6$s$d", hash)
}

func TestVerifyHash(t *testing.T) {
	bcryptHash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)

	shaHash := "$6$saltstring$svn8UoSVapNtMuq1ukKS4tPQd8iKwSMHWjl/O817G3uBnIFNjnQJuesI68u4OTLiBFdcbYEdFCoEOfaS35inz1"

	tests := []struct {
		name   string
		hash   string
		secret string
		want   bool
	}{
		{"empty hash matches empty secret", "", "", true},
		{"empty hash rejects non-empty secret", "", "x", false},
		{"locked account", "!$6$salt$digest", "anything", false},
		{"disabled account", "*", "anything", false},
		{"bcrypt match", string(bcryptHash), "correct horse", true},
		{"bcrypt mismatch", string(bcryptHash), "battery staple", false},
		{"sha512 match", shaHash, "Hello world!", true},
		{"sha512 mismatch", shaHash, "hello world!", false},
		{"unsupported scheme fails closed", "$y$j9T$salt$digest", "anything", false},
		{"malformed hash fails closed", "$6$nodigest", "anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, verifyHash(tt.hash, []byte(tt.secret)))
		})
	}
}
