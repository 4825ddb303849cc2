package bus

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorComponentNotFound ErrorCode = "component_not_found"
	ErrorConfig            ErrorCode = "config_error"
	ErrorSendTimeout       ErrorCode = "send_timeout"
	ErrorNoRouteToDevice   ErrorCode = "no_route_to_device"
	ErrorException         ErrorCode = "exception"
	ErrorComponentNack     ErrorCode = "component_nack"
	ErrorConnectionTimeout ErrorCode = "connection_timeout"
)

// Error is the coded error carried on nack envelopes and returned from bus
// operations. DeviceId is the device where the error was raised. Body carries
// the remote handler's rejection value for `component_nack`.
type Error struct {
	Code     ErrorCode `json:"code"`
	DeviceId string    `json:"deviceId"`
	Message  string    `json:"message"`
	Body     any       `json:"body,omitempty"`
}

func (self *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", self.Code, self.DeviceId, self.Message)
}

func newError(code ErrorCode, deviceId string, format string, a ...any) *Error {
	return &Error{
		Code:     code,
		DeviceId: deviceId,
		Message:  fmt.Sprintf(format, a...),
	}
}

// IsCode reports whether err is a bus error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr.Code == code
	}
	return false
}

// errorFromWire reconstructs the error carried on a nack envelope. A payload
// that does not look like a coded error is treated as an explicit rejection
// value from the remote handler.
func errorFromWire(deviceId string, payload any) *Error {
	if m, ok := payload.(map[string]any); ok {
		code, codeOk := m["code"].(string)
		if codeOk && knownCode(ErrorCode(code)) {
			busErr := &Error{
				Code:     ErrorCode(code),
				DeviceId: deviceId,
			}
			if message, ok := m["message"].(string); ok {
				busErr.Message = message
			}
			if errDeviceId, ok := m["deviceId"].(string); ok && errDeviceId != "" {
				busErr.DeviceId = errDeviceId
			}
			busErr.Body = m["body"]
			return busErr
		}
	}
	return &Error{
		Code:     ErrorComponentNack,
		DeviceId: deviceId,
		Message:  "component rejected message",
		Body:     payload,
	}
}

func knownCode(code ErrorCode) bool {
	switch code {
	case ErrorComponentNotFound,
		ErrorConfig,
		ErrorSendTimeout,
		ErrorNoRouteToDevice,
		ErrorException,
		ErrorComponentNack,
		ErrorConnectionTimeout:
		return true
	}
	return false
}
