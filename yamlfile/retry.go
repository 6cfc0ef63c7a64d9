package yamlfile

import (
	"errors"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
)

// ioAttempts bounds how often a transient file error is retried.
const ioAttempts = 3

// ioBackoff is replaced in tests.
var ioBackoff = func() *backoff.Backoff {
	return &backoff.Backoff{Min: 20 * time.Millisecond, Max: 200 * time.Millisecond, Factor: 2}
}

// retryIO runs op until it succeeds, fails permanently, or ioAttempts
// transient failures have been seen.
func retryIO(op func() error) error {
	b := ioBackoff()
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil || !transient(err) || attempt == ioAttempts {
			return err
		}
		time.Sleep(b.Duration())
	}
}

// transient reports whether err is worth retrying: interrupted or busy
// system calls, not missing files or bad permissions.
func transient(err error) bool {
	for _, errno := range []syscall.Errno{syscall.EINTR, syscall.EAGAIN, syscall.EBUSY, syscall.ETXTBSY} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
