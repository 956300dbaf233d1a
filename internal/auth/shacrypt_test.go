package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Vectors from the SHA-crypt reference specification.
func TestShaCryptReferenceVectors(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		stored string
	}{
		{
			name:   "sha512 default rounds",
			key:    "Hello world!",
			stored: "$6$saltstring$svn8UoSVapNtMuq1ukKS4tPQd8iKwSMHWjl/O817G3uBnIFNjnQJuesI68u4OTLiBFdcbYEdFCoEOfaS35inz1",
		},
		{
			name:   "sha512 explicit rounds, truncated salt",
			key:    "Hello world!",
			stored: "$6$rounds=10000$saltstringsaltst$OW1/O6BYHV6BcXZu8QVeXbDWra3Oeqh0sbHbbMCVNSnCM/UrjmM0Dp8vOuZeHBy/YTBmSK6H9qs/y3RnOaw5v.",
		},
		{
			name:   "sha256 default rounds",
			key:    "Hello world!",
			stored: "$5$saltstring$5B8vYYiY.CVt1RlTTf8KbXBH3hsxY/GNooZaBBGWEc5",
		},
		{
			name:   "sha256 explicit rounds, truncated salt",
			key:    "Hello world!",
			stored: "$5$rounds=10000$saltstringsaltst$3xv.VbSHBb41AL9AvLeujZkZRBAwqFMz2.opqey6IcA",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			computed, err := shaCryptFromHash([]byte(tt.key), tt.stored)
			require.NoError(t, err)
			assert.Equal(t, tt.stored, computed)
		})
	}
}

func TestShaCryptWrongPassphrase(t *testing.T) {
	stored := "$6$saltstring$svn8UoSVapNtMuq1ukKS4tPQd8iKwSMHWjl/O817G3uBnIFNjnQJuesI68u4OTLiBFdcbYEdFCoEOfaS35inz1"

	computed, err := shaCryptFromHash([]byte("Hello world?"), stored)
	require.NoError(t, err)
	assert.NotEqual(t, stored, computed)
}

func TestShaCryptMalformedHashes(t *testing.T) {
	for _, stored := range []string{
		"$6$",                 // no digest separator
		"$6$rounds=abc$x$y",   // unparsable rounds
		"$6$rounds=1000",      // rounds without salt
		"$1$saltstring$xxxxx", // md5-crypt is not sha-crypt
	} {
		_, err := shaCryptFromHash([]byte("pw"), stored)
		assert.ErrorIsf(t, err, errMalformedHash, "stored=%q", stored)
	}
}
