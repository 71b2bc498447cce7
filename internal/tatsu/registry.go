package tatsu

import (
	"errors"
	"sync"
)

// ErrCredentialInUse is returned when another live Client already owns the
// credential. Two schedulers on one credential would each spend the same
// server-side quota and overrun it.
var ErrCredentialInUse = errors.New("credential already in use by another client")

// ErrInvalidArgument marks a call rejected before it reached the queue.
var ErrInvalidArgument = errors.New("invalid argument")

var credentials = struct {
	mu   sync.Mutex
	held map[string]struct{}
}{held: map[string]struct{}{}}

func claimCredential(fingerprint string) error {
	credentials.mu.Lock()
	defer credentials.mu.Unlock()

	if _, ok := credentials.held[fingerprint]; ok {
		return ErrCredentialInUse
	}
	credentials.held[fingerprint] = struct{}{}
	return nil
}

func releaseCredential(fingerprint string) {
	credentials.mu.Lock()
	defer credentials.mu.Unlock()
	delete(credentials.held, fingerprint)
}
