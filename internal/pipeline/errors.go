package pipeline

import "errors"

// terminalError marks an error that must not be retried: the stage failed in
// a way no repeat attempt can fix (missing input, unparseable model output,
// exhausted status poll).
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }

func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the stage span fails immediately instead of
// retrying. Terminal(nil) returns nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err carries the no-retry mark anywhere in its
// chain.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}
