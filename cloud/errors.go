package cloud

import "errors"

var (
	// ErrInvalidInput reports a malformed PointSet or primitive.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound reports an operation on an unknown label or job.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument reports an out-of-range argument such as a non-positive radius.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrTransport reports an HTTP or network failure talking to the completion service.
	ErrTransport = errors.New("transport error")
	// ErrUnsupportedFormat reports a file that is neither ASCII PLY nor OFF.
	ErrUnsupportedFormat = errors.New("unsupported format")
)
