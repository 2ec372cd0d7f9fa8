// incremental record parser: byte stream -> Record, one phase at a time.
// Stateless about anything but the in-flight record; the caller feeds it
// whatever arrived on the socket and it reports back how much it ate.
package protocol

type phase int

const (
	phaseHeader phase = iota
	phaseContent
	phasePadding
)

// Parser turns a stream of bytes into Records one at a time. It holds no
// reference to the connection or socket — it only ever sees the bytes
// handed to Feed. A zero Parser is ready to use.
type Parser struct {
	ph phase

	hdr     [HeaderLength]byte
	hdrRead int

	header  Header
	content []byte
	ctRead  int

	padRead int
}

// Feed consumes as much of data as completes the current phase and
// advances to the next. It returns how many bytes of data it consumed;
// the caller must pass data[consumed:] back in on the next call if more
// records remain in the slice — the same input slice may cover several
// records. When a record finishes, rec is non-nil and the Parser resets
// itself ready for the next header.
//
// The parser itself never fails on malformed content since the header is
// a fixed struct and the framing is length-delimited: semantic violations
// (wrong body size for the record type, wrong type at the wrong
// connection state) are the dispatcher's job, not the parser's. A bad
// version byte is the one exception it does reject, since there is no
// way to know the rest of the header layout for a version we don't speak.
func (p *Parser) Feed(data []byte) (consumed int, rec *Record, err error) {
	for {
		switch p.ph {
		case phaseHeader:
			n := copy(p.hdr[p.hdrRead:], data[consumed:])
			p.hdrRead += n
			consumed += n
			if p.hdrRead < HeaderLength {
				return consumed, nil, nil
			}

			p.header = DecodeHeader(p.hdr[:])
			if p.header.Version != Version1 {
				return consumed, nil, errBadVersion
			}

			if p.header.ContentLength > 0 {
				p.content = make([]byte, p.header.ContentLength)
				p.ph = phaseContent
			} else if p.header.PaddingLength > 0 {
				p.ph = phasePadding
			} else {
				return consumed, p.finish(), nil
			}

		case phaseContent:
			n := copy(p.content[p.ctRead:], data[consumed:])
			p.ctRead += n
			consumed += n
			if p.ctRead < len(p.content) {
				return consumed, nil, nil
			}
			if p.header.PaddingLength > 0 {
				p.ph = phasePadding
			} else {
				return consumed, p.finish(), nil
			}

		case phasePadding:
			remaining := int(p.header.PaddingLength) - p.padRead
			n := remaining
			if avail := len(data) - consumed; n > avail {
				n = avail
			}
			p.padRead += n
			consumed += n
			if p.padRead < int(p.header.PaddingLength) {
				return consumed, nil, nil
			}
			return consumed, p.finish(), nil
		}

		if consumed >= len(data) {
			return consumed, nil, nil
		}
	}
}

func (p *Parser) finish() *Record {
	rec := &Record{Header: p.header, Content: p.content}
	*p = Parser{}
	return rec
}
