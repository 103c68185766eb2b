package app

import "fmt"

// DomainError is an operation failure with an HTTP mapping. Code is a stable
// machine-readable string (USERNAME_TAKEN, NOTE_IN_SESSION, FORBIDDEN, ...)
// that clients branch on; Message is for humans.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
