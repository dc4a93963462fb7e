package directory

import "errors"

// ErrNotFound is returned by Result.Get when the entity does not exist.
var ErrNotFound = errors.New("directory: not found")

// Status distinguishes the three outcomes of a storage lookup.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusFailed
)

// Result carries a loaded entity, a miss, or a storage failure. Callers branch
// on Status instead of inspecting error values.
type Result[T any] struct {
	Value  T
	Status Status
	Err    error
}

func Ok[T any](value T) Result[T] { return Result[T]{Value: value, Status: StatusOK} }

func NotFound[T any]() Result[T] { return Result[T]{Status: StatusNotFound} }

func Failed[T any](err error) Result[T] { return Result[T]{Status: StatusFailed, Err: err} }

// Found reports whether the lookup produced a value.
func (r Result[T]) Found() bool { return r.Status == StatusOK }

// Get unwraps the result, mapping a miss to ErrNotFound.
func (r Result[T]) Get() (T, error) {
	switch r.Status {
	case StatusOK:
		return r.Value, nil
	case StatusNotFound:
		var zero T
		return zero, ErrNotFound
	default:
		var zero T
		return zero, r.Err
	}
}
