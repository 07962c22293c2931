package scanner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// TransientError wraps failures worth retrying: network, timeout, rate limit, 5xx.
type TransientError struct {
	Source string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Source, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures that will not succeed on retry within a cycle.
type PermanentError struct {
	Source string
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Source, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(source string, err error) error {
	return &TransientError{Source: source, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(source string, err error) error {
	return &PermanentError{Source: source, Err: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is classified as non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Classify wraps an unclassified transport error as transient. Already classified errors
// pass through and context cancellation is returned as-is.
func Classify(source string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsPermanent(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// network errors, timeouts and anything else from the transport
	return Transient(source, err)
}

// ClassifyStatus maps an HTTP status to the error taxonomy; 2xx yields nil.
func ClassifyStatus(source string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := fmt.Errorf("unexpected status %s", resp.Status)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= http.StatusInternalServerError:
		return Transient(source, err)
	default:
		return Permanent(source, err)
	}
}
