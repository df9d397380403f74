package ubersdr

import "fmt"

const (
	AlreadyConnectedError = iota

	ConnectionRejectedError

	ConnectionError

	DisconnectedError

	InvalidParamsError

	InvalidURIError

	RetriesExhaustedError

	UnknownError
)

// NewError builds a typed client error from one of the package error
// codes with an optional detail.
func NewError(errorCode int, message ...interface{}) error {
	var errorName string

	switch errorCode {
	case AlreadyConnectedError:
		errorName = "AlreadyConnectedError"
	case ConnectionRejectedError:
		errorName = "ConnectionRejectedError"
	case ConnectionError:
		errorName = "ConnectionError"
	case DisconnectedError:
		errorName = "DisconnectedError"
	case InvalidParamsError:
		errorName = "InvalidParamsError"
	case InvalidURIError:
		errorName = "InvalidURIError"
	case RetriesExhaustedError:
		errorName = "RetriesExhaustedError"
	default:
		errorName = "UnknownError"
	}

	if len(message) > 0 {
		return fmt.Errorf("%s: %s", errorName, message[0])
	}

	return fmt.Errorf("%s", errorName)
}
