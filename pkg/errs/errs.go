// Package errs defines the engine-wide error taxonomy: error kinds, not
// concrete type names, shared by storage backends, tiers, the consolidation
// pipeline, and the manager façade.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy's fixed buckets.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindAlreadyExists          Kind = "already_exists"
	KindConflict               Kind = "conflict"
	KindCapacityExceeded       Kind = "capacity_exceeded"
	KindRejected               Kind = "rejected"
	KindCancelled              Kind = "cancelled"
	KindUnsupported            Kind = "unsupported"
	KindBackendTransient       Kind = "backend_transient"
	KindBackendCorrupt         Kind = "backend_corrupt"
	KindPromotionInconsistent Kind = "promotion_inconsistent"
)

// Sentinel errors, one per kind, for errors.Is comparison.
var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrConflict               = errors.New("version conflict")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrRejected               = errors.New("rejected")
	ErrCancelled              = errors.New("cancelled")
	ErrUnsupported            = errors.New("unsupported operation")
	ErrBackendTransient       = errors.New("backend transient failure")
	ErrBackendCorrupt         = errors.New("backend corrupt")
	ErrPromotionInconsistent = errors.New("promotion inconsistent")
)

var kindSentinels = map[Kind]error{
	KindNotFound:               ErrNotFound,
	KindAlreadyExists:          ErrAlreadyExists,
	KindConflict:               ErrConflict,
	KindCapacityExceeded:       ErrCapacityExceeded,
	KindRejected:               ErrRejected,
	KindCancelled:              ErrCancelled,
	KindUnsupported:            ErrUnsupported,
	KindBackendTransient:       ErrBackendTransient,
	KindBackendCorrupt:         ErrBackendCorrupt,
	KindPromotionInconsistent: ErrPromotionInconsistent,
}

// E wraps a sentinel with operation-specific context, retaining errors.Is
// compatibility with the sentinel.
func E(kind Kind, format string, args ...any) error {
	sentinel, ok := kindSentinels[kind]
	if !ok {
		sentinel = errors.New(string(kind))
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, sentinel)
}

// Is reports whether err matches the given kind.
func Is(err error, kind Kind) bool {
	sentinel, ok := kindSentinels[kind]
	if !ok {
		return false
	}
	return errors.Is(err, sentinel)
}

// Retriable reports whether err is the kind of transient failure that
// storage.Breaker retries (for the consolidation pipeline and the cached
// embedding provider).
func Retriable(err error) bool {
	return errors.Is(err, ErrBackendTransient)
}
