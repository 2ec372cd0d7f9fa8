package stream

import "errors"

var (
	errSeekBeforeClose = errors.New("fcgi: stream: seek is only valid after close")
	// ErrClosed is returned by Output.Write/Flush once the stream has
	// been closed; callers surface it to the handler.
	ErrClosed = errors.New("fcgi: stream: write after close")
)
