package stream

import (
	"github.com/wuyongjia/bytesbuffer"

	"github.com/kfcemployee/gofcgi/server/protocol"
)

// RecordWriter is the one thing an Output needs from its Connection: a
// way to emit a fully-framed record, serialised against every other
// writer on the same connection. Connection implements this.
type RecordWriter interface {
	WriteRecord(recType protocol.RecType, requestId uint16, content []byte) error
}

// Output is a fixed-size chunk buffer that flushes to the owning
// connection as STDOUT/STDERR (or GET_VALUES_RESULT, for the
// management-stream variant) records on overflow or explicit Flush.
// Nothing about Output is safe for concurrent use from two goroutines at
// once — by construction only the single worker goroutine currently
// running the owning request's handler step ever touches it; the
// synchronisation that matters (multiple requests' Outputs writing to the
// same connection) lives in the RecordWriter's own write mutex.
type Output struct {
	w         RecordWriter
	requestId uint16
	recType   protocol.RecType
	chunkSize int
	buf       *bytesbuffer.Buffer
	closed    bool
}

// NewOutput builds an Output that flushes requestId's recType records
// through w once chunkSize bytes have accumulated. chunkSize <= 0 falls
// back to the protocol default of 4086 bytes.
func NewOutput(w RecordWriter, requestId uint16, recType protocol.RecType, chunkSize int) *Output {
	if chunkSize <= 0 {
		chunkSize = defaultChunkCap
	}
	return &Output{
		w:         w,
		requestId: requestId,
		recType:   recType,
		chunkSize: chunkSize,
		buf:       bytesbuffer.New(chunkSize),
	}
}

// Write buffers data, flushing whenever the chunk fills. Writes after
// Close return ErrClosed.
func (o *Output) Write(data []byte) (int, error) {
	if o.closed {
		return 0, ErrClosed
	}

	total := 0
	for len(data) > 0 {
		room := o.chunkSize - len(o.buf.Get())
		n := room
		if n > len(data) {
			n = len(data)
		}
		if n > 0 {
			o.buf.Write(data[:n])
			data = data[n:]
			total += n
		}
		if len(o.buf.Get()) >= o.chunkSize {
			if err := o.flushLocked(); err != nil {
				return total, err
			}
		}
		if n == 0 {
			// chunkSize is 0 or smaller than a single byte's room after
			// a flush attempt that made no progress — flush to force it.
			if err := o.flushLocked(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// Flush emits any partially-filled chunk as a record now, without waiting
// for it to fill. A no-op if nothing is buffered.
func (o *Output) Flush() error {
	if o.closed {
		return ErrClosed
	}
	return o.flushLocked()
}

func (o *Output) flushLocked() error {
	content := o.buf.Get()
	if len(content) == 0 {
		return nil
	}
	for len(content) > 0 {
		n := len(content)
		if n > protocol.MaxContent {
			n = protocol.MaxContent
		}
		if err := o.w.WriteRecord(o.recType, o.requestId, content[:n]); err != nil {
			return err
		}
		content = content[n:]
	}
	o.buf.Reset()
	return nil
}

// Close flushes any partial chunk, then emits the zero-length record that
// is this protocol's EOF marker, then marks the stream closed. Idempotent:
// closing twice is a no-op and the EOF marker is emitted at most once.
func (o *Output) Close() error {
	if o.closed {
		return nil
	}
	if err := o.flushLocked(); err != nil {
		return err
	}
	if err := o.w.WriteRecord(o.recType, o.requestId, nil); err != nil {
		return err
	}
	o.closed = true
	return nil
}
