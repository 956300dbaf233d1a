package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Client is the parent's end of the verdict channel: the write half of
// the submit pipe and the read half of the verdict pipe. It is created
// once at startup, before any secret material exists.
type Client struct {
	submitW  *os.File
	verdictR *os.File
	cmd      *exec.Cmd
	log      *slog.Logger
}

// Spawn re-executes the current binary as the credential worker and
// wires up the channel pipes. The caller must drop privileges
// immediately afterwards; the worker keeps them only long enough to read
// the credential store.
func Spawn() (*Client, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable: %w", err)
	}

	submitR, submitW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating submit pipe: %w", err)
	}
	verdictR, verdictW, err := os.Pipe()
	if err != nil {
		submitR.Close()
		submitW.Close()
		return nil, fmt.Errorf("creating verdict pipe: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), workerEnv+"=1")
	cmd.Stderr = os.Stderr
	// Inherited as fds 3 and 4, matching workerSubmitFd/workerVerdictFd.
	cmd.ExtraFiles = []*os.File{submitR, verdictW}

	if err := cmd.Start(); err != nil {
		submitR.Close()
		submitW.Close()
		verdictR.Close()
		verdictW.Close()
		return nil, fmt.Errorf("starting credential worker: %w", err)
	}

	// The worker holds its own copies now.
	submitR.Close()
	verdictW.Close()

	return &Client{
		submitW:  submitW,
		verdictR: verdictR,
		cmd:      cmd,
		log:      slog.Default().With("component", "auth"),
	}, nil
}

// Submit sends one passphrase to the worker. The secret slice aliases
// the caller's protected buffer; the caller clears that buffer as soon
// as Submit returns, success or failure, so the bytes never outlive the
// send. Any write failure is a channel fault: without a trustworthy
// verifier the lock session cannot continue.
func (c *Client) Submit(secret []byte) error {
	if err := writeSubmit(c.submitW, secret); err != nil {
		c.log.Error("worker integrity fault", "error", err)
		return err
	}
	return nil
}

// VerdictFd exposes the verdict pipe for reactor registration.
func (c *Client) VerdictFd() int {
	return int(c.verdictR.Fd())
}

// ReadVerdict consumes exactly one verdict. It is called from the
// reactor callback once the verdict pipe is readable, so it does not
// block in practice. Channel faults are logged as worker-integrity
// faults and surfaced to the caller; they are never a success.
func (c *Client) ReadVerdict() (bool, error) {
	ok, err := readVerdict(c.verdictR)
	if err != nil {
		c.log.Error("worker integrity fault", "error", err)
		return false, err
	}
	return ok, nil
}

// Close shuts the channel down. Closing the submit pipe is the worker's
// signal to exit; the wait reaps it.
func (c *Client) Close() error {
	err := errors.Join(c.submitW.Close(), c.verdictR.Close())
	if c.cmd != nil {
		if waitErr := c.cmd.Wait(); waitErr != nil {
			var exitErr *exec.ExitError
			// A worker that died on its own already logged why.
			if !errors.As(waitErr, &exitErr) {
				err = errors.Join(err, waitErr)
			}
		}
	}
	return err
}

// DropPrivileges relinquishes an elevated effective uid/gid, restoring
// the invoking user's real ids, and verifies the drop took. It is a
// no-op for an unprivileged process.
func DropPrivileges() error {
	uid, gid := os.Getuid(), os.Getgid()
	if os.Geteuid() == uid && os.Getegid() == gid {
		return nil
	}

	if err := unix.Setgroups([]int{}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	// Group first; dropping uid first would forfeit the right to setgid.
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}

	if os.Geteuid() != uid || os.Getegid() != gid {
		return errors.New("privilege drop did not take effect")
	}
	return nil
}
