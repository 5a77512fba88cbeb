package store

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidTransaction     = errors.New("invalid transaction")
	ErrDuplicate              = errors.New("already exists")
	ErrAlreadyRefunded        = errors.New("transaction already refunded")
	ErrRefundExceedsRemaining = errors.New("refund quantity exceeds remaining refundable quantity")
	ErrTimeout                = errors.New("transaction timed out")
	ErrSerialization          = errors.New("transaction aborted by a concurrent update")
)

// IsRetryable reports whether the caller may safely retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrSerialization)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrRefundExceedsRemaining)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTransaction)
}
