package txlog

import "errors"

var (
	// ErrLogClosed is returned when appending to a closed log
	ErrLogClosed = errors.New("transaction log is closed")

	// ErrCorruptRecord is returned when a log record fails to decode
	ErrCorruptRecord = errors.New("corrupt log record")
)
