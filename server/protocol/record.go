// wire record layout: fixed 8-byte header, type-specific content, padding
package protocol

const (
	Version1 uint8 = 1

	HeaderLength = 8
	// MaxContent is the largest content length a single record can carry;
	// larger payloads are split across records by the caller.
	MaxContent = 1<<16 - 1
	MaxPadding = 255
)

// RecType is a FastCGI record type (FCGI_Header.type).
type RecType uint8

const (
	TypeBeginRequest RecType = 1
	TypeAbortRequest RecType = 2
	TypeEndRequest   RecType = 3
	TypeParams       RecType = 4
	TypeStdin        RecType = 5
	TypeStdout       RecType = 6
	TypeStderr       RecType = 7
	TypeData         RecType = 8
	TypeGetValues    RecType = 9
	TypeGetValuesRes RecType = 10
	TypeUnknownType  RecType = 11
)

// Role is the FastCGI role carried by BeginRequestBody.
type Role uint16

const (
	RoleResponder Role = 1
	RoleAuthorizer Role = 2
	RoleFilter     Role = 3
)

const FlagKeepConn uint8 = 1

// ProtocolStatus is the EndRequestBody.protocolStatus field.
type ProtocolStatus uint8

const (
	StatusRequestComplete ProtocolStatus = 0
	StatusCantMpxConn     ProtocolStatus = 1
	StatusOverloaded      ProtocolStatus = 2
	StatusUnknownRole     ProtocolStatus = 3
)

// Header is the fixed 8-byte FastCGI record header.
type Header struct {
	Version       uint8
	Type          RecType
	RequestId     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// Record is one fully-reassembled FastCGI record: header plus content.
// Padding is never retained once a record is handed to the dispatcher.
type Record struct {
	Header  Header
	Content []byte
}

// PaddingFor returns the padding length that brings contentLength up to a
// multiple of 8, matching FastCGI's record alignment convention.
func PaddingFor(contentLength int) uint8 {
	return uint8((8 - contentLength%8) % 8)
}

// EncodeHeader serialises h into dst, which must be at least HeaderLength
// bytes. Returns the number of bytes written (always HeaderLength).
func EncodeHeader(dst []byte, h Header) int {
	_ = dst[HeaderLength-1]
	dst[0] = h.Version
	dst[1] = byte(h.Type)
	PutUint16(dst[2:4], h.RequestId)
	PutUint16(dst[4:6], h.ContentLength)
	dst[6] = h.PaddingLength
	dst[7] = h.Reserved
	return HeaderLength
}

// DecodeHeader parses a HeaderLength-byte slice into a Header.
func DecodeHeader(src []byte) Header {
	_ = src[HeaderLength-1]
	return Header{
		Version:       src[0],
		Type:          RecType(src[1]),
		RequestId:     Uint16(src[2:4]),
		ContentLength: Uint16(src[4:6]),
		PaddingLength: src[6],
		Reserved:      src[7],
	}
}

// BeginRequestBody is the 8-byte content of a BEGIN_REQUEST record.
type BeginRequestBody struct {
	Role  Role
	Flags uint8
}

// DecodeBeginRequestBody parses an exactly-8-byte BEGIN_REQUEST content.
func DecodeBeginRequestBody(content []byte) (BeginRequestBody, error) {
	if len(content) != 8 {
		return BeginRequestBody{}, errInvalidBeginRequest
	}
	return BeginRequestBody{
		Role:  Role(Uint16(content[0:2])),
		Flags: content[2],
	}, nil
}

// EndRequestBody is the 8-byte content of an END_REQUEST record.
type EndRequestBody struct {
	AppStatus      uint32
	ProtocolStatus ProtocolStatus
}

// Encode writes the 8-byte body to dst.
func (b EndRequestBody) Encode(dst []byte) {
	_ = dst[7]
	PutUint32(dst[0:4], b.AppStatus)
	dst[4] = byte(b.ProtocolStatus)
	dst[5], dst[6], dst[7] = 0, 0, 0
}

// Serialize builds the wire bytes for one record: header, content, and
// zeroed padding sized per PaddingFor. content must be at most MaxContent
// bytes — callers split larger payloads across several records before
// calling this.
func Serialize(recType RecType, requestId uint16, content []byte) []byte {
	pad := PaddingFor(len(content))
	buf := make([]byte, HeaderLength+len(content)+int(pad))
	EncodeHeader(buf, Header{
		Version:       Version1,
		Type:          recType,
		RequestId:     requestId,
		ContentLength: uint16(len(content)),
		PaddingLength: pad,
	})
	copy(buf[HeaderLength:], content)
	return buf
}
