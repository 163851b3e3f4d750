package apperr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind buckets an error by how the caller must react.
type Kind string

const (
	// KindTransient covers network failures worth retrying with backoff.
	KindTransient Kind = "TRANSIENT"

	// KindAuth covers bad credentials and invalid tokens. Fatal for the
	// component that hit it.
	KindAuth Kind = "AUTH"

	// KindProtocol covers malformed peer data: bad IMAP responses,
	// truncated duplex JSON, unexpected schemas. Drop and warn.
	KindProtocol Kind = "PROTOCOL"

	// KindModelOutput covers unusable LLM responses. One repair attempt,
	// then fall back.
	KindModelOutput Kind = "MODEL_OUTPUT"

	// KindStore covers embedded store failures. Uniqueness violations are
	// absorbed by the store adapter and never surface with this kind.
	KindStore Kind = "STORE"

	// KindConfig covers missing sections, unresolved folder references and
	// ambiguous specifiers. Fatal at startup.
	KindConfig Kind = "CONFIG"

	// KindNotSupported covers operations a back-end cannot perform.
	KindNotSupported Kind = "NOT_SUPPORTED"
)

// AppError is the structured error carried across component boundaries.
type AppError struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Constructor functions
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

func Wrap(err error, kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

func Transient(operation string, err error) *AppError {
	return &AppError{
		Kind:    KindTransient,
		Message: fmt.Sprintf("transient failure: %s", operation),
		Err:     err,
	}
}

func Auth(message string, err error) *AppError {
	if message == "" {
		message = "authentication failed"
	}
	return &AppError{Kind: KindAuth, Message: message, Err: err}
}

func Protocol(message string, err error) *AppError {
	return &AppError{Kind: KindProtocol, Message: message, Err: err}
}

func ModelOutput(message string, err error) *AppError {
	return &AppError{Kind: KindModelOutput, Message: message, Err: err}
}

func Store(operation string, err error) *AppError {
	return &AppError{
		Kind:    KindStore,
		Message: fmt.Sprintf("store error: %s", operation),
		Err:     err,
	}
}

func Config(message string) *AppError {
	return &AppError{Kind: KindConfig, Message: message}
}

func Configf(format string, args ...any) *AppError {
	return &AppError{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

func NotSupported(operation string) *AppError {
	return &AppError{
		Kind:    KindNotSupported,
		Message: fmt.Sprintf("not supported: %s", operation),
	}
}

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether the error is worth retrying: either tagged
// KindTransient or a recognizable network-level failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, KindTransient) {
		return true
	}
	if IsKind(err, KindAuth) || IsKind(err, KindConfig) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsFatal reports whether the component hitting this error must stop rather
// than retry.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindConfig:
		return true
	}
	return false
}
