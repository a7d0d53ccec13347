package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to react programmatically.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindValidation         Kind = "validation"
	KindUpstreamGeneration Kind = "upstream_generation"
	KindPersistence        Kind = "persistence"
	KindCorrupt            Kind = "corrupt"
	KindConflict           Kind = "conflict"
	KindInternal           Kind = "internal"
)

// Machine-readable error codes returned to API clients.
const (
	CodeSessionNotFound        = "session_not_found"
	CodeStepNotFound           = "step_not_found"
	CodeConfirmationNotFound   = "confirmation_not_found"
	CodeProblemNotFound        = "problem_not_found"
	CodeInvalidSimilarProblems = "invalid_similar_problems"
	CodeInvalidSession         = "invalid_session"
	CodeWrongSessionKind       = "wrong_session_kind"
	CodeInvalidRequest         = "invalid_request"
	CodeGenerationFailed       = "generation_failed"
	CodePersistFailed          = "persist_failed"
	CodeSessionBusy            = "session_busy"
	CodePhaseLocked            = "phase_locked"
	CodeNoOCRData              = "no_ocr_data"
	CodeNoImage                = "no_image"
	CodeInternal               = "internal_error"
)

// Error is the typed error returned by the session engine.
type Error struct {
	Kind Kind
	Code string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Code != "" {
		msg = e.Code
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of err.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	return CodeInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// NotFound builds a NotFound error.
func NotFound(op, code string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Op: op}
}

// Validation builds a Validation error with a formatted message.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidRequest, Op: op, Err: fmt.Errorf(format, args...)}
}

// UpstreamGeneration wraps a completion provider failure that has no fallback.
func UpstreamGeneration(op string, err error) *Error {
	return &Error{Kind: KindUpstreamGeneration, Code: CodeGenerationFailed, Op: op, Err: err}
}

// Persistence wraps a durable store write failure.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Code: CodePersistFailed, Op: op, Err: err}
}

// Corrupt reports stored data that cannot be interpreted.
func Corrupt(op, code string, err error) *Error {
	return &Error{Kind: KindCorrupt, Code: code, Op: op, Err: err}
}

// Conflict reports an operation that is not allowed in the current state.
func Conflict(op, code, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Message returns the student-facing text for err. Provider and store
// details are never included.
func Message(err error) string {
	switch KindOf(err) {
	case KindNotFound:
		return "セッションまたは問題が見つかりませんでした。最初からやり直してください。"
	case KindValidation:
		return "入力内容を確認して、もう一度送信してください。"
	case KindConflict:
		return "まだこの問題に進むことはできません。前のステップを完了してください。"
	case KindUpstreamGeneration:
		return "AIの応答を取得できませんでした。少し時間をおいてから再度お試しください。"
	case KindPersistence:
		return "学習記録を保存できませんでした。もう一度お試しください。"
	default:
		return "エラーが発生しました。しばらくしてから再度お試しください。"
	}
}
