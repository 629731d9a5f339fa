package services

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "Validation error" }

func validation(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// ConflictError reports a command that lost against the current state. Code
// narrows the reason for clients.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

type ForbiddenError struct{ Message string }

func (e *ForbiddenError) Error() string { return e.Message }

type RateLimitError struct{ Message string }

func (e *RateLimitError) Error() string { return e.Message }

// UnprocessableError rejects a well-formed request over malformed stored
// configuration, such as starting a quiz that has no questions.
type UnprocessableError struct{ Message string }

func (e *UnprocessableError) Error() string { return e.Message }

const (
	CodeSessionCompleted  = "SESSION_COMPLETED"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeAnswersClosed     = "ANSWERS_CLOSED"
	CodeDuplicateAnswer   = "DUPLICATE_ANSWER"
)

var (
	ErrSessionCompleted = &ConflictError{Code: CodeSessionCompleted, Message: "Session is completed"}
	ErrAnswersClosed    = &ConflictError{Code: CodeAnswersClosed, Message: "Answers are not open for this question"}
	ErrDuplicateAnswer  = &ConflictError{Code: CodeDuplicateAnswer, Message: "Question already answered"}
)

func isNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
