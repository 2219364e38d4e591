package render

import "fmt"

// ErrorKind classifies render failures so the acquisition worker can map
// them to rejection reasons.
type ErrorKind string

const (
	ErrLoadTimeout   ErrorKind = "LOAD_TIMEOUT"
	ErrNavigation    ErrorKind = "NAVIGATION_ERROR"
	ErrBlockedBySite ErrorKind = "BLOCKED_BY_SITE"
	ErrScreenshot    ErrorKind = "SCREENSHOT_ERROR"
)

// Error is a render failure with its classification.
type Error struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render: %s for %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("render: %s for %s", e.Kind, e.URL)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, url string, err error) *Error {
	return &Error{Kind: kind, URL: url, Err: err}
}
