package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error is the body of every failed api request.
type Error struct {
	Tag     string `json:"error"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Tag, e.Message)
	}
	return e.Tag
}

func NewError(opts ...ErrOpt) Error {
	e := Error{}
	for _, o := range opts {
		o(&e)
	}

	return e
}

type ErrOpt = func(e *Error)

func WithTag(tag string) ErrOpt {
	return func(e *Error) {
		e.Tag = tag
	}
}

func WithMessage[S ~string](s S) ErrOpt {
	return func(e *Error) {
		e.Message = string(s)
	}
}

func WithError(err error) ErrOpt {
	return func(e *Error) {
		e.Message = err.Error()
	}
}

var AuthError = NewError(
	WithTag("Auth"),
	WithMessage("missing or invalid token"),
)

var GenericError = func(err error) Error {
	return NewError(
		WithTag("Generic"),
		WithError(err),
	)
}

var InvalidKeyError = func(key string) Error {
	return NewError(
		WithTag("InvalidKey"),
		WithMessage(fmt.Sprintf("%q is not a valid environment variable name", key)),
	)
}

var KeyExistsError = func(key string) Error {
	return NewError(
		WithTag("KeyExists"),
		WithMessage(fmt.Sprintf("secret %q already exists", key)),
	)
}

var KeyNotFoundError = func(key string) Error {
	return NewError(
		WithTag("KeyNotFound"),
		WithMessage(fmt.Sprintf("secret %q does not exist", key)),
	)
}

func writeError(w http.ResponseWriter, e Error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e)
}
