package auth

import (
	"errors"
	"io"
	"log/slog"
	"os"
)

const (
	// workerEnv marks a re-executed copy of the binary as the credential
	// worker. It is an implementation detail, not a user interface.
	workerEnv = "VEILLOCK_WORKER"

	// Pipe ends inherited by the worker, after stdin/stdout/stderr.
	workerSubmitFd  = 3
	workerVerdictFd = 4
)

// IsWorker reports whether this process was spawned as the credential
// worker. It must be checked in main before anything else runs.
func IsWorker() bool {
	return os.Getenv(workerEnv) != ""
}

// RunWorker is the worker process entry point. It loads the caller's
// shadow entry while still privileged, drops privileges, and then serves
// one credential check per Submit until the parent closes the channel.
// The return value is the worker's exit code.
func RunWorker() int {
	log := slog.Default().With("component", "credential-worker")

	submitR := os.NewFile(workerSubmitFd, "submit")
	verdictW := os.NewFile(workerVerdictFd, "verdict")
	if submitR == nil || verdictW == nil {
		log.Error("missing inherited channel descriptors")
		return 1
	}

	verifier, err := newShadowVerifier()
	if err != nil {
		log.Error("cannot access credential store", "error", err)
		return 1
	}

	// The privileged step is done; the worker needs no further access.
	if err := DropPrivileges(); err != nil {
		log.Error("privilege drop failed", "error", err)
		return 1
	}

	return serve(submitR, verdictW, verifier, log)
}

// serve runs the stateless check loop. The credential check may block
// arbitrarily; that never blocks the parent, whose reactor only watches
// the verdict pipe for readability.
func serve(submitR io.Reader, verdictW io.Writer, verifier Verifier, log *slog.Logger) int {
	for {
		sub, err := readSubmit(submitR)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Parent closed the channel: clean shutdown.
				return 0
			}
			log.Error("submit channel failed", "error", err)
			return 1
		}

		ok, err := verifier.Verify(sub.Bytes())
		sub.Destroy()
		if err != nil {
			log.Error("credential check failed", "error", err)
			ok = false
		}

		if err := writeVerdict(verdictW, ok); err != nil {
			log.Error("verdict channel failed", "error", err)
			return 1
		}
	}
}
