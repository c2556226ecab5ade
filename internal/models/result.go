package models

// Status distinguishes "no data" from "query failed" in read results.
type Status int

const (
	StatusOK Status = iota
	StatusEmpty
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEmpty:
		return "empty"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a read query. Err is set only for StatusFailed.
type Result[T any] struct {
	Value  T
	Status Status
	Err    error
}

func OK[T any](v T) Result[T] {
	return Result[T]{Value: v, Status: StatusOK}
}

func Empty[T any]() Result[T] {
	return Result[T]{Status: StatusEmpty}
}

func Failed[T any](err error) Result[T] {
	return Result[T]{Status: StatusFailed, Err: err}
}

// Found reports whether the query produced data.
func (r Result[T]) Found() bool {
	return r.Status == StatusOK
}
