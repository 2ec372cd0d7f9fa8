// per-socket connection state: parser, request table, write mutex.
package engine

import (
	"bytes"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"

	"github.com/kfcemployee/gofcgi/server/ferrors"
	"github.com/kfcemployee/gofcgi/server/protocol"
	"github.com/kfcemployee/gofcgi/server/registry"
	"github.com/kfcemployee/gofcgi/server/request"
	"github.com/kfcemployee/gofcgi/server/stream"
)

// readBufSize is the stack buffer OnReadable reads socket bytes into on
// each readable event.
const readBufSize = 1024

// currentGoroutineID parses the leading "goroutine NNN [...]" line out of
// a runtime.Stack dump to identify the calling goroutine. Used only by
// the ThreadContextViolation assertions below, which run once per
// dispatched record and once per WriteRecord call; its result is never
// relied on for anything but those checks.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// Connection owns one transport socket: its parser state, its request
// table, and the write mutex serialising every outbound record.
type Connection struct {
	fd  int
	log *slog.Logger
	id  uuid.UUID

	reg       *registry.Registry
	pool      *Pool
	chunkSize int

	parser protocol.Parser

	requests *xsync.MapOf[uint16, *request.Request]

	// ioGoroutine is the goroutine that constructed this Connection — by
	// construction the listener's single reactor goroutine — captured so
	// dispatch can assert it's never invoked from anywhere else.
	ioGoroutine uint64

	writeMu sync.Mutex
	// writerGoroutine holds the id of whichever goroutine currently holds
	// writeMu, 0 when unheld. WriteRecord checks it before blocking on
	// writeMu.Lock so a reentrant call from the same goroutine fails fast
	// with ThreadContextViolation instead of deadlocking.
	writerGoroutine atomic.Uint64

	valid          atomic.Bool
	keepConnection atomic.Bool
}

// NewConnection wraps an accepted, non-blocking socket fd. Ready handlers
// (PARAMS closed) are enqueued onto pool.
func NewConnection(fd int, reg *registry.Registry, pool *Pool, chunkSize int, log *slog.Logger) *Connection {
	c := &Connection{
		fd:          fd,
		log:         log,
		id:          uuid.New(),
		reg:         reg,
		pool:        pool,
		chunkSize:   chunkSize,
		requests:    xsync.NewMapOf[uint16, *request.Request](),
		ioGoroutine: currentGoroutineID(),
	}
	c.valid.Store(true)
	return c
}

// Valid reports whether the connection is still live.
func (c *Connection) Valid() bool { return c.valid.Load() }

// Fd returns the underlying file descriptor, for the reactor's epoll
// bookkeeping.
func (c *Connection) Fd() int { return c.fd }

// invalidate marks the connection dead and closes its socket. Idempotent.
func (c *Connection) invalidate(cause error) {
	if !c.valid.CompareAndSwap(true, false) {
		return
	}
	if cause != nil {
		c.log.Warn("connection invalidated", "correlation_id", c.id, "error", cause)
	}
	unix.Close(c.fd)
}

// OnReadable is the reactor's read-ready callback: pull bytes from the
// socket into a fixed stack buffer, feed the parser until no complete
// records remain, dispatching each as it completes. A dispatch error
// invalidates the whole connection.
func (c *Connection) OnReadable() {
	var buf [readBufSize]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			c.invalidate(ferrors.Wrap(ferrors.IOFailure, err, "read"))
			return
		}
		if n == 0 {
			c.invalidate(nil)
			return
		}

		data := buf[:n]
		for len(data) > 0 {
			consumed, rec, err := c.parser.Feed(data)
			data = data[consumed:]
			if err != nil {
				c.invalidate(ferrors.Wrap(ferrors.SegmentViolation, err, "record parse"))
				return
			}
			if rec == nil {
				break
			}
			if err := c.dispatch(rec); err != nil {
				c.invalidate(err)
				return
			}
		}

		if n < len(buf) {
			return
		}
	}
}

// dispatch routes one decoded record to its handler by record type. It
// must only ever run on the connection's I/O goroutine — the table reads
// and writes below assume no concurrent dispatch.
func (c *Connection) dispatch(rec *protocol.Record) error {
	if gid := currentGoroutineID(); gid != c.ioGoroutine {
		return ferrors.New(ferrors.ThreadContextViolation, "dispatch invoked off the connection's I/O goroutine")
	}

	id := rec.Header.RequestId

	if id == 0 {
		if rec.Header.Type == protocol.TypeGetValues {
			return c.handleGetValues(rec)
		}
		return nil // tie-break: silently drop other management records
	}

	switch rec.Header.Type {
	case protocol.TypeBeginRequest:
		return c.handleBeginRequest(rec)
	case protocol.TypeParams:
		return c.handleParams(rec)
	case protocol.TypeStdin:
		return c.handleInputStream(rec, func(r *request.Request) *stream.Input { return r.StdinStream })
	case protocol.TypeData:
		return c.handleInputStream(rec, func(r *request.Request) *stream.Input { return r.DataStream })
	case protocol.TypeAbortRequest:
		return c.handleAbort(rec)
	default:
		return c.handleUnknownType(rec)
	}
}

func (c *Connection) handleGetValues(rec *protocol.Record) error {
	queried, err := protocol.DecodeNameValues(rec.Content)
	if err != nil {
		return ferrors.Wrap(ferrors.SegmentViolation, err, "malformed GET_VALUES content")
	}

	result := make([]protocol.NameValue, 0, len(queried)+1)
	seenMpx := false
	for _, q := range queried {
		if q.Name == "FCGI_MPXS_CONNS" {
			result = append(result, protocol.NameValue{Name: q.Name, Value: "1"})
			seenMpx = true
			continue
		}
		result = append(result, protocol.NameValue{Name: q.Name, Value: ""})
	}
	if !seenMpx {
		result = append(result, protocol.NameValue{Name: "FCGI_MPXS_CONNS", Value: "1"})
	}

	buf := make([]byte, protocol.EncodedLen(result))
	protocol.EncodeNameValues(buf, result)
	return c.WriteRecord(protocol.TypeGetValuesRes, 0, buf)
}

func (c *Connection) handleBeginRequest(rec *protocol.Record) error {
	if _, exists := c.requests.Load(rec.Header.RequestId); exists {
		return ferrors.New(ferrors.SegmentViolation, "BEGIN_REQUEST for an already-active request id")
	}
	if len(rec.Content) != 8 {
		return ferrors.New(ferrors.SegmentViolation, "BEGIN_REQUEST content must be 8 bytes")
	}

	body, err := protocol.DecodeBeginRequestBody(rec.Content)
	if err != nil {
		return ferrors.Wrap(ferrors.SegmentViolation, err, "BEGIN_REQUEST body")
	}

	if !c.reg.AcceptsRole(body.Role) {
		var endBody [8]byte
		protocol.EndRequestBody{
			AppStatus:      0,
			ProtocolStatus: protocol.StatusUnknownRole,
		}.Encode(endBody[:])
		return c.WriteRecord(protocol.TypeEndRequest, rec.Header.RequestId, endBody[:])
	}

	keepConn := body.Flags&protocol.FlagKeepConn != 0
	if !keepConn {
		c.keepConnection.Store(false)
	} else {
		c.keepConnection.Store(true)
	}

	req := request.New(rec.Header.RequestId, body.Role, keepConn, c, c.chunkSize)
	handler, err := c.reg.Create(req)
	if err != nil {
		return err
	}
	req.Handler = handler
	c.requests.Store(req.Id, req)
	return nil
}

func (c *Connection) handleParams(rec *protocol.Record) error {
	req, ok := c.requests.Load(rec.Header.RequestId)
	if !ok {
		return ferrors.New(ferrors.SegmentViolation, "PARAMS for an unknown request id")
	}
	if req.State() >= request.StateReady {
		return ferrors.New(ferrors.SegmentViolation, "PARAMS received after the stream closed")
	}

	req.OpenParams()
	if len(rec.Content) == 0 {
		req.ParamStream.Close()
		if err := req.CloseParams(); err != nil {
			return err
		}
		c.pool.Enqueue(func() bool { return req.Handler.Step() })
		return nil
	}
	req.ParamStream.AppendChunk(rec.Content)
	return nil
}

func (c *Connection) handleInputStream(rec *protocol.Record, pick func(*request.Request) *stream.Input) error {
	req, ok := c.requests.Load(rec.Header.RequestId)
	if !ok {
		return ferrors.New(ferrors.SegmentViolation, "data record for an unknown request id")
	}
	if !req.Ready() {
		return ferrors.New(ferrors.SegmentViolation, "STDIN/DATA received before PARAMS closed")
	}

	s := pick(req)
	if len(rec.Content) == 0 {
		s.Close()
	} else {
		s.AppendChunk(rec.Content)
	}

	if req.Handler != nil {
		req.Handler.OnReceiveData(rec)
	}
	return nil
}

func (c *Connection) handleAbort(rec *protocol.Record) error {
	req, ok := c.requests.Load(rec.Header.RequestId)
	if !ok {
		return nil
	}
	req.Abort()
	return nil
}

func (c *Connection) handleUnknownType(rec *protocol.Record) error {
	return c.WriteRecord(protocol.TypeUnknownType, 0, []byte{byte(rec.Header.Type), 0, 0, 0, 0, 0, 0, 0})
}

// WriteRecord implements request.Host and stream.RecordWriter: it emits a
// fully-framed record under the write mutex so handlers on different
// worker goroutines never interleave their output on the wire. content
// longer than protocol.MaxContent is a caller bug — its callers
// (stream.Output.flushLocked, handleGetValues, the END_REQUEST and
// UNKNOWN_TYPE bodies) already respect that limit.
func (c *Connection) WriteRecord(recType protocol.RecType, requestId uint16, content []byte) error {
	if !c.valid.Load() {
		return ferrors.New(ferrors.IOFailure, "write on an invalidated connection")
	}

	gid := currentGoroutineID()
	if c.writerGoroutine.Load() == gid {
		return ferrors.New(ferrors.ThreadContextViolation, "WriteRecord called re-entrantly by its own lock holder")
	}

	c.writeMu.Lock()
	c.writerGoroutine.Store(gid)
	err := writeRecordTo(c.fd, recType, requestId, content)
	c.writerGoroutine.Store(0)
	c.writeMu.Unlock()

	if err != nil {
		c.invalidate(ferrors.Wrap(ferrors.IOFailure, err, "write"))
		return ferrors.Wrap(ferrors.IOFailure, err, "write")
	}
	return nil
}

// RequestFinished implements request.Host: drop the finished request from
// the table, and if the connection isn't keeping alive, invalidate it so
// the next GC sweep (or an immediate check here) tears it down.
func (c *Connection) RequestFinished(id uint16) {
	c.requests.Delete(id)
	if !c.keepConnection.Load() {
		c.invalidate(nil)
	}
}

// GC drops table entries for requests that are no longer valid — the
// per-connection half of the listener's periodic sweep.
func (c *Connection) GC() {
	c.requests.Range(func(id uint16, req *request.Request) bool {
		if !req.Valid() {
			c.requests.Delete(id)
		}
		return true
	})
}

// ActiveRequests reports the count of requests still tracked on this
// connection, for the stats snapshot.
func (c *Connection) ActiveRequests() int {
	return c.requests.Size()
}
