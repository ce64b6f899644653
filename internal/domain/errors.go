package domain

import "github.com/cockroachdb/errors"

// Sentinel errors used throughout the application.
// Callers test for them with errors.Is; concrete failures are marked, not replaced.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrPersistence     = errors.New("persistence failure")
)

// Validation failures. They are returned marked as ErrInvalidArgument, so
// errors.Is matches both the specific failure and the kind.
var (
	ErrNilNotification = errors.New("notification must not be nil")
	ErrInvalidID       = errors.New("id must be at most 50 characters")
	ErrInvalidUserID   = errors.New("userId must be between 1 and 20 characters")
	ErrInvalidTitle    = errors.New("title must be between 1 and 100 characters")
	ErrInvalidBody     = errors.New("body must be between 1 and 500 characters")
	ErrEmptyUserID     = errors.New("userId cannot be null or empty")
)

// InvalidArgument marks err as ErrInvalidArgument.
func InvalidArgument(err error) error {
	return errors.Mark(err, ErrInvalidArgument)
}

// DecodeError reports a queue body that cannot become a valid Notification.
// Retrying cannot fix it.
type DecodeError struct {
	err error
}

func NewDecodeError(err error) *DecodeError {
	return &DecodeError{err: err}
}

func (e *DecodeError) Error() string { return "decode notification: " + e.err.Error() }

func (e *DecodeError) Unwrap() error { return e.err }

func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}

// MarkPersistence wraps a store failure and marks it as ErrPersistence.
func MarkPersistence(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrPersistence)
}
