package app

import "fmt"

// DomainError is the error the comment services return for expected failures:
// invalid content, a missing comment or post, an edit by a non-author, a
// nested reply, a no-op edit. Code and Status flow straight into the HTTP
// error body via mapError; anything that is not a DomainError is reported as
// a server error.
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
