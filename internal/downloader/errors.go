package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrNotFound is returned for operations on an unknown item id.
	ErrNotFound = errors.New("download not found")
	// ErrInvalidState is returned when an operation is illegal for the item's status.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrInvalidRequest is returned when an enqueue request fails validation.
	ErrInvalidRequest = errors.New("invalid download request")
	// ErrInsufficientStorage means admission is held until space frees up. It is not fatal.
	ErrInsufficientStorage = errors.New("insufficient storage")
	// ErrQuotaExceeded means the disk refused the bytes of a running transfer.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrDownloadPaused is the cancellation cause of a transfer stopped by pause.
	ErrDownloadPaused = errors.New("download paused by user")
	// ErrDownloadCancelled is the cancellation cause of a transfer stopped by cancel.
	ErrDownloadCancelled = errors.New("download cancelled by user")
	// ErrStalled is the cancellation cause of a transfer that made no progress.
	ErrStalled = errors.New("transfer stalled")
)

// TransferError classifies a failed transfer for the retry policy.
type TransferError struct {
	Permanent bool
	Err       error
}

func (e *TransferError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s transfer error: %v", kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransferError{Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &TransferError{Permanent: true, Err: err}
}

// IsTransient reports whether err is worth retrying. Explicitly classified
// errors win; otherwise network timeouts, resets and truncated bodies are
// transient and everything else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransferError
	if errors.As(err, &te) {
		return !te.Permanent
	}
	if errors.Is(err, ErrStalled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// isDiskFull reports whether a write error came from a full device.
func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
