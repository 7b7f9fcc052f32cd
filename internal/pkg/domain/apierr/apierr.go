package apierr

import (
	"errors"
	"fmt"
)

//Category is the short, machine readable part of every gateway error
type Category string

const (
	Config             Category = "config"
	Connect            Category = "connect"
	ConnectTimeout     Category = "connect_timeout"
	ConnectRefused     Category = "connect_refused"
	ConnectUnreachable Category = "connect_unreachable"
	AuthFailure        Category = "auth_failure"
	SecurityMismatch   Category = "security_mismatch"
	SessionLost        Category = "session_lost"
	NotConnected       Category = "not_connected"
	Timeout            Category = "timeout"
	Register           Category = "register"
	Unregister         Category = "unregister"
	Subscribe          Category = "subscribe"
	AlreadySubscribed  Category = "already_subscribed"
	NotFound           Category = "not_found"
	Validation         Category = "validation"
	DecimalSeparator   Category = "decimal_separator"
	Encode             Category = "encode"
	Recording          Category = "recording"
	Store              Category = "store"
	Operation          Category = "operation"
	Unavailable        Category = "unavailable"
)

var parents = map[Category]Category{
	ConnectTimeout:     Connect,
	ConnectRefused:     Connect,
	ConnectUnreachable: Connect,
	AuthFailure:        Connect,
	SecurityMismatch:   Connect,
	AlreadySubscribed:  Subscribe,
	DecimalSeparator:   Validation,
}

//Parent returns the category this one is a specialisation of, or the empty category
func (c Category) Parent() Category {
	return parents[c]
}

//Error carries a category, a human readable message and an optional cause
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	} else if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

//Is matches another *Error on category, letting a sub category match its parent
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	if t.Message != "" && t.Message != e.Message {
		return false
	}

	return t.Category == e.Category || (t.Category != "" && e.Category.Parent() == t.Category)
}

//New creates an error of the given category
func New(category Category, format string, args ...interface{}) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

//Wrap creates an error of the given category that keeps err as its cause
func Wrap(category Category, err error, format string, args ...interface{}) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...), Err: err}
}

//Sentinels usable as errors.Is targets
var (
	ErrConfig            = &Error{Category: Config}
	ErrConnect           = &Error{Category: Connect}
	ErrSessionLost       = &Error{Category: SessionLost}
	ErrNotConnected      = &Error{Category: NotConnected}
	ErrTimeout           = &Error{Category: Timeout}
	ErrRegister          = &Error{Category: Register}
	ErrUnregister        = &Error{Category: Unregister}
	ErrSubscribe         = &Error{Category: Subscribe}
	ErrAlreadySubscribed = &Error{Category: AlreadySubscribed}
	ErrNotFound          = &Error{Category: NotFound}
	ErrValidation        = &Error{Category: Validation}
	ErrDecimalSeparator  = &Error{Category: DecimalSeparator}
	ErrEncode            = &Error{Category: Encode}
	ErrRecording         = &Error{Category: Recording}
	ErrStore             = &Error{Category: Store}
	ErrUnavailable       = &Error{Category: Unavailable}
)

//CategoryOf returns the category of the outermost *Error in the chain
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

//SignalsConnectionLoss reports whether err anywhere in its chain indicates that the
//session to the server is gone
func SignalsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrSessionLost) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotConnected)
}
