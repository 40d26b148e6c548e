package syncstore

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSessionExpired is matched (errors.Is) by every failure caused by missing
	// or unrecoverable credentials.
	ErrSessionExpired = errors.New("syncstore: session expired")

	// ErrPending is returned by Fetch when the key is already being fetched and
	// nothing is cached yet for it.
	ErrPending = errors.New("syncstore: fetch in flight")

	ErrUnknownAction = errors.New("syncstore: unknown mutation action")
	ErrMissingID     = errors.New("syncstore: mutation requires an item id")
)

// SessionExpiredError reports why the credential set could not be used.
type SessionExpiredError struct {
	Reason string
	Err    error
}

func (e *SessionExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session expired: %s: %v", e.Reason, e.Err)
	}
	return "session expired: " + e.Reason
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

func (e *SessionExpiredError) Is(target error) bool { return target == ErrSessionExpired }

// RemoteError is any non-success, non-auth-failure response.
type RemoteError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, truncate(e.Body, 256))
}

// NetworkError is a transport-level failure: no response was received.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// PayloadError reports a record body that could not be normalized.
type PayloadError struct {
	Key string
	Err error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("record %q: malformed payload: %v", e.Key, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a RemoteError with status 404.
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status == http.StatusNotFound
}

type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Key)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
