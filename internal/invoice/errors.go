package invoice

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrConnection = errors.New("connection error")
	ErrExecution  = errors.New("execution error")
	ErrTimeout    = errors.New("timeout error")
	ErrLocator    = errors.New("locator error")
	ErrFetch      = errors.New("fetch error")
)

var (
	ErrUnknownEnvironment  = errors.New("unknown environment")
	ErrScriptNotConfigured = errors.New("script path not configured")
)

// Error tags an underlying cause with one of the kinds above.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	default:
		return fmt.Sprint(e.Kind)
	}
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Wrap is shorthand for &Error{Kind: kind, Op: op, Err: err}. A nil err stays nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Fatal reports whether err may flip a run to failure. Locator and fetch
// problems degrade to warnings.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLocator) || errors.Is(err, ErrFetch) {
		return false
	}
	return true
}

// KindOf names the taxonomy bucket of err for logs and events.
func KindOf(err error) string {
	for _, k := range []error{ErrValidation, ErrConnection, ErrTimeout, ErrExecution, ErrLocator, ErrFetch} {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	if err == nil {
		return ""
	}
	return "internal error"
}
