package issue

import "fmt"

// ValidationError reports an invalid field value on an issue record.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ParseError reports a malformed markdown issue file.
type ParseError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("parse error: %s", e.Reason)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }
