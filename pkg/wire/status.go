package wire

// Status is the result code carried in a response.
type Status uint8

const (
	// StatusOK indicates the exchange succeeded.
	StatusOK Status = 0

	// StatusError indicates the handler failed.
	StatusError Status = 1

	// StatusUnsupportedMethod indicates the server has no handler for the
	// requested method.
	StatusUnsupportedMethod Status = 2

	// StatusShuttingDown indicates the server is draining and will not
	// serve new exchanges on this session.
	StatusShuttingDown Status = 3
)

// IsSuccess returns true if the status indicates success.
func (s Status) IsSuccess() bool {
	return s == StatusOK
}

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusUnsupportedMethod:
		return "UNSUPPORTED_METHOD"
	case StatusShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}
