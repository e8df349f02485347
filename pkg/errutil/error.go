package errutil

import (
	"errors"
	"fmt"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Reason  string     `json:"reason,omitempty"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    e.Code,
			"reason":  e.Reason,
			"message": e.Message,
			"details": e.Details,
		},
	}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

// Is matches another BaseError carrying the same code and reason, so package level
// sentinels work with errors.Is after being decorated with WithErr or WithDetails.
func (e BaseError) Is(target error) bool {
	t, ok := target.(BaseError)
	if !ok || t.Reason == "" {
		return false
	}
	return t.Code == e.Code && t.Reason == e.Reason
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.messageWithErr())
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// With returns a copy of e with the options applied. Sentinels stay untouched.
func (e BaseError) With(opts ...Option) BaseError {
	if len(e.Details) > 0 {
		e.Details = append([]Detail(nil), e.Details...)
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = details }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func WithReason(reason string) Option {
	return func(be *BaseError) { be.Reason = reason }
}

func WithMessage(msg string) Option {
	return func(be *BaseError) { be.Message = msg }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

// Sentinel builds a reasoned BaseError meant to be declared once per package.
func Sentinel(code CoreStatus, reason, message string) BaseError {
	return BaseError{Code: code, Reason: reason, Message: message}
}

func newWithErr(code CoreStatus, msg string, err error, options ...Option) error {
	if err != nil {
		options = append([]Option{WithErr(err)}, options...)
	}
	return New(code, msg, options...)
}

func BadRequest(msg string, err error, options ...Option) error {
	return newWithErr(StatusBadRequest, msg, err, options...)
}

func ServiceUnavailable(msg string, err error, options ...Option) error {
	return newWithErr(StatusServiceUnavailable, msg, err, options...)
}

// Transient wraps a persistence or infrastructure failure so the caller knows the
// operation was aborted without effect and may be retried. Errors that already
// carry a CoreStatus pass through unchanged.
func Transient(msg string, err error) error {
	if err == nil {
		return nil
	}
	var be BaseError
	if errors.As(err, &be) {
		return err
	}
	return ServiceUnavailable(msg, err, WithReason("TRANSIENT"))
}

// IsTransient reports whether err was produced by Transient.
func IsTransient(err error) bool {
	var be BaseError
	return errors.As(err, &be) && be.Code.Retryable()
}
