package agent

import (
	"errors"
	"fmt"
)

// RuntimeError represents a collaborator failure observed by the runtime.
// None of these stop the poll loop.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Topic is the affected topic, when there is one.
	Topic string

	// Seq is the affected message sequence number, when there is one.
	Seq int64

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeTransportFailure indicates a poll or send call failed.
	ErrCodeTransportFailure RuntimeErrorCode = "TRANSPORT_FAILURE"

	// ErrCodeStorageFailure indicates a state store write failed.
	ErrCodeStorageFailure RuntimeErrorCode = "STORAGE_FAILURE"

	// ErrCodeStrategyFailure indicates the connection manager failed and
	// the runtime fell back to direct processing.
	ErrCodeStrategyFailure RuntimeErrorCode = "STRATEGY_FAILURE"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Topic != "" && e.Seq != 0 {
		msg = fmt.Sprintf("%s (topic=%s, seq=%d)", msg, e.Topic, e.Seq)
	} else if e.Topic != "" {
		msg = fmt.Sprintf("%s (topic=%s)", msg, e.Topic)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsTransportError returns true if the error is a transport failure.
// Uses errors.As to handle wrapped and joined errors.
func IsTransportError(err error) bool {
	return hasCode(err, ErrCodeTransportFailure)
}

// IsStorageError returns true if the error is a storage failure.
func IsStorageError(err error) bool {
	return hasCode(err, ErrCodeStorageFailure)
}

// IsStrategyError returns true if the error is a connection manager failure.
func IsStrategyError(err error) bool {
	return hasCode(err, ErrCodeStrategyFailure)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

func newTransportError(topic string, seq int64, msg string, err error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeTransportFailure, Message: msg, Topic: topic, Seq: seq, Err: err}
}

func newStorageError(topic string, seq int64, err error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeStorageFailure, Message: "state write failed", Topic: topic, Seq: seq, Err: err}
}

func newStrategyError(msg string, err error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeStrategyFailure, Message: msg, Err: err}
}
