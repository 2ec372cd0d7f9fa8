// per-request input stream buffers: PARAMS, STDIN and DATA all arrive as
// a sequence of append-chunks terminated by a zero-length record.
package stream

import (
	"io"
	"sync"

	"github.com/wuyongjia/bytesbuffer"
)

const defaultChunkCap = 4086

var chunkPool = sync.Pool{
	New: func() any { return bytesbuffer.New(defaultChunkCap) },
}

// Input is an ordered list of byte chunks with a closed flag. A
// zero-length content record closes the stream; reads consume
// chunks in order. Append happens on the I/O goroutine, Read happens on
// whichever worker goroutine owns the request's handler step — both may
// run concurrently once the stream is Ready, so every method locks.
type Input struct {
	mu     sync.Mutex
	chunks []*bytesbuffer.Buffer
	closed bool

	readChunk int
	readOff   int
}

// AppendChunk stores a copy of data as one or more pooled chunks.
// Appending after close is a caller bug (a zero-length record closes the
// stream, and nothing follows a close) so it's a silent no-op rather than
// a reported error.
//
// Pooled chunks are fixed-capacity (defaultChunkCap each), but a single
// PARAMS/STDIN/DATA record's content can be up to protocol.MaxContent
// bytes, so data is split across as many chunks as it takes.
func (s *Input) AppendChunk(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for len(data) > 0 {
		n := len(data)
		if n > defaultChunkCap {
			n = defaultChunkCap
		}
		buf := chunkPool.Get().(*bytesbuffer.Buffer)
		buf.Reset()
		if err := buf.Write(data[:n]); err != nil {
			// n is bounded by defaultChunkCap, the pooled chunk's own
			// capacity, so Write should never reject it — but a pool
			// entry could in principle be mis-sized by a future change,
			// and silently eating bytes here is worse than stopping.
			chunkPool.Put(buf)
			return
		}
		s.chunks = append(s.chunks, buf)
		data = data[n:]
	}
}

// Close marks the stream closed. Idempotent — closing twice is a no-op.
func (s *Input) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Ready reports whether the stream has been closed, i.e. the matching
// zero-length record has been received.
func (s *Input) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Read implements io.Reader over the chunk list, consuming chunks in
// order. Returns io.EOF once every chunk has been drained and the stream
// is closed; returns (0, nil) if the stream isn't closed yet and there is
// currently nothing buffered (callers should treat that as "try later",
// not EOF).
func (s *Input) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.readChunk < len(s.chunks) {
		cur := s.chunks[s.readChunk].Get()
		if s.readOff >= len(cur) {
			s.readChunk++
			s.readOff = 0
			continue
		}
		n := copy(p, cur[s.readOff:])
		s.readOff += n
		return n, nil
	}
	if s.closed {
		return 0, io.EOF
	}
	return 0, nil
}

// Bytes concatenates every chunk into one owned slice. Used once a stream
// is Ready and small enough to materialise whole, such as PARAMS before
// name/value decoding.
func (s *Input) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, c := range s.chunks {
		total += len(c.Get())
	}
	out := make([]byte, 0, total)
	for _, c := range s.chunks {
		out = append(out, c.Get()...)
	}
	return out
}

// Release returns every chunk buffer to the pool. Call once the owning
// Request is finished and no reader can still be using the stream.
func (s *Input) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chunks {
		chunkPool.Put(c)
	}
	s.chunks = nil
}

// Seek repositions the read cursor to an absolute byte offset. Only
// permitted after the stream has closed, since chunk boundaries (and
// therefore the offset->chunk mapping) aren't stable before then.
func (s *Input) Seek(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return errSeekBeforeClose
	}

	remaining := int(offset)
	for i, c := range s.chunks {
		n := len(c.Get())
		if remaining <= n {
			s.readChunk = i
			s.readOff = remaining
			return nil
		}
		remaining -= n
	}
	s.readChunk = len(s.chunks)
	s.readOff = 0
	return nil
}
