package auth

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const shadowPath = "/etc/shadow"

// Verifier checks a submitted passphrase against the system credential
// store. Verify may block for as long as the check takes; that blocking
// is confined to the worker process.
type Verifier interface {
	Verify(secret []byte) (bool, error)
}

// shadowVerifier validates against the user's /etc/shadow entry. The
// hash field is read once, while the worker still holds the privilege to
// do so, and kept for the lifetime of the lock session.
type shadowVerifier struct {
	hash string
}

// newShadowVerifier looks up the shadow entry of the invoking user.
// It must be called before privileges are dropped.
func newShadowVerifier() (*shadowVerifier, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("resolving current user: %w", err)
	}
	hash, err := lookupShadowHash(shadowPath, u.Username)
	if err != nil {
		return nil, err
	}
	return &shadowVerifier{hash: hash}, nil
}

func (v *shadowVerifier) Verify(secret []byte) (bool, error) {
	return verifyHash(v.hash, secret), nil
}

// lookupShadowHash returns the password hash field for name. The shadow
// format is colon-separated with the login name first and the hash
// second; the remaining aging fields are irrelevant here.
func lookupShadowHash(path, name string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening credential store: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 2 {
			continue
		}
		if fields[0] == name {
			return fields[1], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading credential store: %w", err)
	}
	return "", fmt.Errorf("no credential store entry for %q", name)
}

// verifyHash dispatches on the crypt(3) scheme prefix. Unknown schemes
// and locked accounts fail closed.
func verifyHash(hash string, secret []byte) bool {
	switch {
	case hash == "":
		// An empty hash field means no password is set; only the empty
		// passphrase matches it.
		return len(secret) == 0
	case strings.HasPrefix(hash, "!"), strings.HasPrefix(hash, "*"):
		// Locked or disabled account: nothing can unlock it.
		return false
	case strings.HasPrefix(hash, "$2"):
		return bcrypt.CompareHashAndPassword([]byte(hash), secret) == nil
	case strings.HasPrefix(hash, "$5$"), strings.HasPrefix(hash, "$6$"):
		computed, err := shaCryptFromHash(secret, hash)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
	default:
		scheme := hash
		if i := strings.Index(hash[1:], "$"); strings.HasPrefix(hash, "$") && i >= 0 {
			scheme = hash[:i+2]
		}
		slog.Error("unsupported credential hash scheme", "scheme", scheme)
		return false
	}
}

// errMalformedHash covers stored hashes this verifier cannot parse.
var errMalformedHash = errors.New("auth: malformed crypt hash")
