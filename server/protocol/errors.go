package protocol

import "errors"

// Parser and codec sentinels. errIncomplete means "need more bytes, not
// malformed"; everything else here is a genuine protocol violation that
// the connection dispatcher wraps as ferrors.SegmentViolation.
var (
	errIncomplete          = errors.New("fcgi: incomplete record")
	errInvalidBeginRequest = errors.New("fcgi: begin request body must be 8 bytes")
	errNameValueOverrun    = errors.New("fcgi: name/value length exceeds remaining buffer")
	errBadVersion          = errors.New("fcgi: unsupported protocol version")
)

// IsIncomplete reports whether err just means "come back with more bytes".
func IsIncomplete(err error) bool {
	return errors.Is(err, errIncomplete)
}
