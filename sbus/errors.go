package sbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/go-amqp"
)

// Error kinds returned by client operations.
const (
	AuthenticationError = iota

	ConnectionError

	SessionError

	LinkError

	EntityNotFoundError

	LockLostError

	SessionLockLostError

	MessageSizeExceededError

	QuotaExceededError

	ServerBusyError

	TimedOutError

	OperationError

	ClosedError

	UnknownError
)

// Error is the concrete error type produced by NewError.
type Error struct {
	Code    int
	Message string
}

// Error returns the formatted error text.
func (clientError *Error) Error() string {
	name := errorName(clientError.Code)
	if clientError.Message != "" {
		return name + ": " + clientError.Message
	}
	return name
}

func errorName(errorCode int) string {
	switch errorCode {
	case AuthenticationError:
		return "AuthenticationError"
	case ConnectionError:
		return "ConnectionError"
	case SessionError:
		return "SessionError"
	case LinkError:
		return "LinkError"
	case EntityNotFoundError:
		return "EntityNotFoundError"
	case LockLostError:
		return "LockLostError"
	case SessionLockLostError:
		return "SessionLockLostError"
	case MessageSizeExceededError:
		return "MessageSizeExceededError"
	case QuotaExceededError:
		return "QuotaExceededError"
	case ServerBusyError:
		return "ServerBusyError"
	case TimedOutError:
		return "TimedOutError"
	case OperationError:
		return "OperationError"
	case ClosedError:
		return "ClosedError"
	default:
		return "UnknownError"
	}
}

// NewError returns a typed client error with an optional message.
func NewError(errorCode int, message ...interface{}) error {
	if len(message) > 0 {
		return &Error{Code: errorCode, Message: fmt.Sprintf("%v", message[0])}
	}
	return &Error{Code: errorCode}
}

// ErrorCode returns the error kind carried by err, or UnknownError.
func ErrorCode(err error) int {
	var clientError *Error
	if errors.As(err, &clientError) {
		return clientError.Code
	}
	return UnknownError
}

// IsRetryable reports whether a failed operation may succeed on a fresh attempt.
func IsRetryable(err error) bool {
	switch ErrorCode(err) {
	case ConnectionError, SessionError, LinkError, ServerBusyError, TimedOutError:
		return true
	}
	return false
}

// AMQP error conditions translated into client error kinds.
const (
	conditionNotFound            = "amqp:not-found"
	conditionUnauthorized        = "amqp:unauthorized-access"
	conditionResourceLimit       = "amqp:resource-limit-exceeded"
	conditionLinkMessageSize     = "amqp:link:message-size-exceeded"
	conditionLockLost            = "com.microsoft:message-lock-lost"
	conditionSessionLockLost     = "com.microsoft:session-lock-lost"
	conditionServerBusy          = "com.microsoft:server-busy"
	conditionMessageSizeExceeded = "com.microsoft:message-size-exceeded"
	conditionTimeout             = "com.microsoft:timeout"
	conditionOperationCancelled  = "com.microsoft:operation-cancelled"
)

func conditionToError(condition string, description string) error {
	code := UnknownError

	switch condition {
	case conditionNotFound:
		code = EntityNotFoundError
	case conditionUnauthorized:
		code = AuthenticationError
	case conditionResourceLimit:
		code = QuotaExceededError
	case conditionLinkMessageSize, conditionMessageSizeExceeded:
		code = MessageSizeExceededError
	case conditionLockLost:
		code = LockLostError
	case conditionSessionLockLost:
		code = SessionLockLostError
	case conditionServerBusy:
		code = ServerBusyError
	case conditionTimeout:
		code = TimedOutError
	case conditionOperationCancelled:
		code = OperationError
	}

	if description != "" {
		return NewError(code, description)
	}
	if condition != "" {
		return NewError(code, condition)
	}
	return NewError(code)
}

// translateAMQPError converts protocol engine failures into client error kinds.
// Connection, session, and link errors keep their retryable classification; a
// carried error condition takes precedence so broker-declared causes survive.
// Context expiry becomes a timeout-class error.
func translateAMQPError(err error) error {
	if err == nil {
		return nil
	}

	var clientError *Error
	if errors.As(err, &clientError) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(TimedOutError, err)
	}

	var amqpError *amqp.Error
	if errors.As(err, &amqpError) {
		return conditionToError(string(amqpError.Condition), amqpError.Description)
	}

	var connError *amqp.ConnError
	if errors.As(err, &connError) {
		if connError.RemoteErr != nil {
			return conditionToError(string(connError.RemoteErr.Condition), connError.RemoteErr.Description)
		}
		return NewError(ConnectionError, err)
	}

	var sessionError *amqp.SessionError
	if errors.As(err, &sessionError) {
		return NewError(SessionError, err)
	}

	var linkError *amqp.LinkError
	if errors.As(err, &linkError) {
		if linkError.RemoteErr != nil {
			return conditionToError(string(linkError.RemoteErr.Condition), linkError.RemoteErr.Description)
		}
		return NewError(LinkError, err)
	}

	return err
}
