package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// DirectorError is a domain error carrying a stable numeric code and the HTTP
// status it maps to. Task bodies return these so the API and the task result
// stream can present the same code to clients.
type DirectorError struct {
	Code    int
	Status  int
	Message string
	Err     error
}

func (e *DirectorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DirectorError) Unwrap() error { return e.Err }

// Is matches by code so errors.Is works across separately constructed
// instances of the same kind.
func (e *DirectorError) Is(target error) bool {
	var de *DirectorError
	if errors.As(target, &de) {
		return de.Code == e.Code
	}
	return false
}

// New builds a DirectorError with an explicit code and status.
func New(code, status int, format string, args ...interface{}) *DirectorError {
	return &DirectorError{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a DirectorError built by New-style constructors.
func Wrap(err error, de *DirectorError) *DirectorError {
	de.Err = err
	return de
}

// CodeOf returns the numeric code of a domain error, or 0 for unknown errors.
func CodeOf(err error) int {
	var de *DirectorError
	if errors.As(err, &de) {
		return de.Code
	}
	return 0
}

// StatusOf returns the HTTP status for an error. Unknown errors map to 500.
func StatusOf(err error) int {
	var de *DirectorError
	if errors.As(err, &de) {
		return de.Status
	}
	return http.StatusInternalServerError
}

// IsCode reports whether err carries the given domain code.
func IsCode(err error, code int) bool {
	return CodeOf(err) == code
}

// IsCancelled reports whether err represents task cancellation.
func IsCancelled(err error) bool {
	return IsCode(err, CodeCancelled)
}
