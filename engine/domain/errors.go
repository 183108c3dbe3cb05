package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charsearch/charsearch/pkg/resilience"
)

// Sentinel errors of the engine taxonomy.
var (
	// ErrDecode: image bytes are not a valid raster image. Per item, skip.
	ErrDecode = errors.New("image decode failed")
	// ErrModelUnavailable: the embedding model could not be initialised. Fatal at start.
	ErrModelUnavailable = errors.New("embedding model unavailable")
	// ErrDimensionMismatch: a vector has the wrong dimensionality.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrIndexUnavailable: the vector index storage failed or is closed.
	ErrIndexUnavailable = errors.New("index unavailable")
	// ErrExternalService: a catalog or lookup call failed. Degrade, never fatal.
	ErrExternalService = errors.New("external service error")
	// ErrCancelled: the caller's context was cancelled or timed out.
	ErrCancelled = resilience.ErrCancelled
	// ErrInvalidQuery: the query is empty or otherwise unusable.
	ErrInvalidQuery = errors.New("invalid query")
)

// DimensionError carries the expected and actual dimensionality.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: want %d, got %d", ErrDimensionMismatch, e.Want, e.Got)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// CheckDims returns a *DimensionError if len(v) != want.
func CheckDims(v Vector, want int) error {
	if len(v) != want {
		return &DimensionError{Want: want, Got: len(v)}
	}
	return nil
}

// ServiceError describes a failed call to an external HTTP collaborator.
type ServiceError struct {
	Service string
	Status  int // 0 when no response was received
	Err     error
	// RetryAfter is the wait the service asked for, zero when it gave none.
	RetryAfter time.Duration
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: status %d", ErrExternalService, e.Service, e.Status)
	}
	return fmt.Sprintf("%s: %s: %v", ErrExternalService, e.Service, e.Err)
}

func (e *ServiceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExternalService}
	}
	return []error{ErrExternalService, e.Err}
}

// Temporary reports whether the failure is worth retrying: 429, 5xx, or a
// transport error that was not caused by cancellation.
func (e *ServiceError) Temporary() bool {
	if e.Status == 0 {
		return e.Err != nil && !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
	}
	return e.Status == 429 || e.Status >= 500
}

// NewServiceError creates a ServiceError.
func NewServiceError(service string, status int, err error) *ServiceError {
	return &ServiceError{Service: service, Status: status, Err: err}
}

// IsTemporary reports whether err is a retryable ServiceError.
func IsTemporary(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Temporary()
}

// RetryAfter returns the server-advised wait carried by a ServiceError in err.
func RetryAfter(err error) (time.Duration, bool) {
	var se *ServiceError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}

// Cancelled maps context errors onto ErrCancelled and leaves others untouched.
func Cancelled(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return err
}
