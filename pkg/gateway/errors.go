package gateway

import "fmt"

// GatewayErrorCode определяет типизированные коды ошибок контрольного
// канала
type GatewayErrorCode int

const (
	// Ошибки сессии
	ErrorCodeMissingCredentials GatewayErrorCode = iota + 2000
	ErrorCodeSessionClosed
	ErrorCodeSessionInvalidConfig

	// Ошибки канала
	ErrorCodeChannelDial
	ErrorCodeChannelSend
	ErrorCodeChannelClosed

	// Ошибки протокола переходов
	ErrorCodeTransitionUnknown
	ErrorCodeTransitionOutOfOrder
	ErrorCodeCommitInvalid
)

// String возвращает строковое представление кода ошибки
func (code GatewayErrorCode) String() string {
	switch code {
	case ErrorCodeMissingCredentials:
		return "MissingCredentials"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeSessionInvalidConfig:
		return "SessionInvalidConfig"
	case ErrorCodeChannelDial:
		return "ChannelDial"
	case ErrorCodeChannelSend:
		return "ChannelSend"
	case ErrorCodeChannelClosed:
		return "ChannelClosed"
	case ErrorCodeTransitionUnknown:
		return "TransitionUnknown"
	case ErrorCodeTransitionOutOfOrder:
		return "TransitionOutOfOrder"
	case ErrorCodeCommitInvalid:
		return "CommitInvalid"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// GatewayError базовая структура ошибок контрольного канала.
// Несет типизированный код, идентификатор сессии для сопоставления с
// логами и опционально обернутую ошибку.
type GatewayError struct {
	Code      GatewayErrorCode
	Message   string
	SessionID string
	Wrapped   error
}

// Error реализует интерфейс error
func (e *GatewayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[gateway:%d] сессия %s: %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("[gateway:%d] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку
func (e *GatewayError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, сравнивая ошибки по коду
func (e *GatewayError) Is(target error) bool {
	if t, ok := target.(*GatewayError); ok {
		return e.Code == t.Code
	}
	return false
}

// newGatewayError создает ошибку с кодом и форматированным сообщением
func newGatewayError(code GatewayErrorCode, sessionID string, format string, args ...interface{}) *GatewayError {
	return &GatewayError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		SessionID: sessionID,
	}
}
