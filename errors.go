package oidcx

import (
	"errors"
	"fmt"
)

// ErrorCode represents verifier error categories.
type ErrorCode string

const (
	ErrCodeMissingAuth          ErrorCode = "missing_auth"
	ErrCodeInvalidToken         ErrorCode = "invalid_token"
	ErrCodeExpired              ErrorCode = "token_expired"
	ErrCodeNotYetValid          ErrorCode = "token_not_yet_valid"
	ErrCodeInvalidIssuer        ErrorCode = "invalid_issuer"
	ErrCodeInvalidAudience      ErrorCode = "invalid_audience"
	ErrCodeUnsupportedAlgorithm ErrorCode = "unsupported_algorithm"
	ErrCodeSubjectMismatch      ErrorCode = "subject_mismatch"
	ErrCodeJWKSUnavailable      ErrorCode = "jwks_unavailable"
	ErrCodeMalformedJWKS        ErrorCode = "malformed_jwks"
	ErrCodeInternal             ErrorCode = "internal_error"
)

var errorMessages = map[ErrorCode]string{
	ErrCodeMissingAuth:          "Missing or malformed Authorization header",
	ErrCodeInvalidToken:         "Invalid token",
	ErrCodeExpired:              "Token expired",
	ErrCodeNotYetValid:          "Token not yet valid",
	ErrCodeInvalidIssuer:        "Invalid issuer",
	ErrCodeInvalidAudience:      "Invalid audience",
	ErrCodeUnsupportedAlgorithm: "Unsupported signing algorithm",
	ErrCodeSubjectMismatch:      "Subject mismatch",
	ErrCodeJWKSUnavailable:      "JWKS unavailable",
	ErrCodeMalformedJWKS:        "Malformed JWKS document",
	ErrCodeInternal:             "Internal error",
}

// Kind groups error codes by how a caller should respond to them.
type Kind int

const (
	// KindInternal covers unexpected failures that are not the caller's fault.
	KindInternal Kind = iota
	// KindMissingAuth means no usable bearer credential was presented.
	KindMissingAuth
	// KindInvalidToken means the credential failed authentication.
	KindInvalidToken
	// KindSubjectMismatch means the token authenticated but is not authorized.
	KindSubjectMismatch
)

func (k Kind) String() string {
	switch k {
	case KindMissingAuth:
		return "MissingAuth"
	case KindInvalidToken:
		return "InvalidToken"
	case KindSubjectMismatch:
		return "SubjectMismatch"
	default:
		return "Internal"
	}
}

// Error wraps verifier errors with a stable code and message.
type Error struct {
	Code    ErrorCode
	Message string
	// Issuer is the candidate issuer URL the error was produced for, if any.
	Issuer string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = string(e.Code)
	}
	if e.Issuer != "" {
		base = fmt.Sprintf("%s (issuer %s)", base, e.Issuer)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Kind classifies the error code.
func (e *Error) Kind() Kind {
	switch e.Code {
	case ErrCodeMissingAuth:
		return KindMissingAuth
	case ErrCodeSubjectMismatch:
		return KindSubjectMismatch
	case ErrCodeMalformedJWKS, ErrCodeInternal:
		return KindInternal
	default:
		return KindInvalidToken
	}
}

// KindOf returns the Kind of err. Errors that are not *Error are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindInternal
}

// CodeOf returns the ErrorCode of err, or ErrCodeInternal for foreign errors.
// A nil error has no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}

func withIssuer(err error, issuer string) error {
	var e *Error
	if errors.As(err, &e) && e.Issuer == "" {
		clone := *e
		clone.Issuer = issuer
		return &clone
	}
	return err
}
