// Package auth implements the privilege-separated credential check.
//
// At startup, before any secret material exists, the process spawns a
// worker copy of itself that retains the ambient privilege needed to read
// the system credential store; the parent immediately drops that
// privilege. The two halves speak a two-message protocol over a pair of
// pipes: the parent sends Submit (a length-prefixed passphrase) and the
// worker answers with a single Verdict byte. There are no request
// identifiers, so at most one Submit may be in flight; the state machine
// enforces that.
package auth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
)

// ErrChannelFault marks an unrecoverable failure of the verdict channel:
// the worker exited, a pipe broke, or a verdict byte was malformed. The
// parent can no longer determine correctness and must terminate the lock
// session; a fault is never treated as a successful verdict.
var ErrChannelFault = errors.New("auth: verdict channel fault")

const (
	verdictFail byte = 0
	verdictOK   byte = 1

	// maxSubmitLen bounds a Submit read in the worker. A longer length
	// prefix means the channel is corrupt, not that someone typed a
	// megabyte of passphrase.
	maxSubmitLen = 1 << 20
)

// writeSubmit sends one length-prefixed passphrase. A zero length is a
// valid submission; whether empty passphrases are ever submitted is the
// state machine's policy decision, not the protocol's.
func writeSubmit(w io.Writer, secret []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(secret)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: writing submit header: %v", ErrChannelFault, err)
	}
	if len(secret) == 0 {
		return nil
	}
	if _, err := w.Write(secret); err != nil {
		return fmt.Errorf("%w: writing submit body: %v", ErrChannelFault, err)
	}
	return nil
}

// submission is one received passphrase, held in locked memory for the
// duration of the credential check.
type submission struct {
	region *memguard.LockedBuffer
	length int
}

// Bytes returns the submitted passphrase. The slice aliases locked
// memory and is only valid until Destroy.
func (s *submission) Bytes() []byte {
	return s.region.Bytes()[:s.length]
}

// Destroy wipes and releases the submission.
func (s *submission) Destroy() {
	s.region.Destroy()
	s.length = 0
}

// readSubmit reads one submission into a locked buffer. The caller owns
// the submission and must Destroy it after the credential check. io.EOF
// is returned unchanged when the parent has closed the channel cleanly
// between messages.
func readSubmit(r io.Reader) (*submission, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading submit header: %v", ErrChannelFault, err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxSubmitLen {
		return nil, fmt.Errorf("%w: submit length %d exceeds limit", ErrChannelFault, n)
	}
	// memguard cannot represent a zero-size region; the extra byte keeps
	// an empty submission in locked memory all the same.
	buf := memguard.NewBuffer(int(n) + 1)
	if n > 0 {
		if _, err := io.ReadFull(r, buf.Bytes()[:n]); err != nil {
			buf.Destroy()
			return nil, fmt.Errorf("%w: reading submit body: %v", ErrChannelFault, err)
		}
	}
	return &submission{region: buf, length: int(n)}, nil
}

// writeVerdict reports the outcome of one credential check.
func writeVerdict(w io.Writer, ok bool) error {
	v := verdictFail
	if ok {
		v = verdictOK
	}
	if _, err := w.Write([]byte{v}); err != nil {
		return fmt.Errorf("%w: writing verdict: %v", ErrChannelFault, err)
	}
	return nil
}

// readVerdict reads exactly one verdict byte. Only verdictOK means
// success; a closed channel or any unexpected byte value is a channel
// fault so a broken worker can never unlock the session.
func readVerdict(r io.Reader) (bool, error) {
	var v [1]byte
	if _, err := io.ReadFull(r, v[:]); err != nil {
		return false, fmt.Errorf("%w: reading verdict: %v", ErrChannelFault, err)
	}
	switch v[0] {
	case verdictOK:
		return true, nil
	case verdictFail:
		return false, nil
	default:
		return false, fmt.Errorf("%w: malformed verdict byte 0x%02x", ErrChannelFault, v[0])
	}
}
