package engine

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kfcemployee/gofcgi/server/ferrors"
	"github.com/kfcemployee/gofcgi/server/handlers"
	"github.com/kfcemployee/gofcgi/server/protocol"
	"github.com/kfcemployee/gofcgi/server/registry"
	"github.com/kfcemployee/gofcgi/server/request"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func newTestListener(t *testing.T, reg *registry.Registry) (*Listener, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "engine-test.sock")
	pool := NewPool(2)
	t.Cleanup(pool.Terminate)

	l, err := NewListener("unix:"+sockPath, pool, reg, 64, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	return l, sockPath
}

func dial(t *testing.T, sockPath string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("dial: %v", err)
	return nil
}

func readRecordsUntil(t *testing.T, conn net.Conn, stop protocol.RecType) []*protocol.Record {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var p protocol.Parser
	var records []*protocol.Record
	buf := make([]byte, 4096)
	for {
		if len(records) > 0 && records[len(records)-1].Header.Type == stop {
			return records
		}
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v (records so far: %d)", err, len(records))
		}
		data := buf[:n]
		for len(data) > 0 {
			consumed, rec, err := p.Feed(data)
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			data = data[consumed:]
			if rec != nil {
				records = append(records, rec)
			}
			if consumed == 0 {
				break
			}
		}
	}
}

func encodeBeginRequest(role protocol.Role, flags uint8) []byte {
	content := make([]byte, 8)
	protocol.PutUint16(content[0:2], uint16(role))
	content[2] = flags
	return content
}

// S2 — unknown role: exactly one END_REQUEST with protocolStatus=3 and no
// handler invocation.
func TestUnknownRoleRejected(t *testing.T) {
	reg := registry.New()
	reg.Register(protocol.RoleResponder, handlers.NewEchoFactory())
	l, sockPath := newTestListener(t, reg)
	go l.Run(testContext(t))

	conn := dial(t, sockPath)
	defer conn.Close()

	conn.Write(protocol.Serialize(protocol.TypeBeginRequest, 7, encodeBeginRequest(99, 0)))

	records := readRecordsUntil(t, conn, protocol.TypeEndRequest)
	if len(records) != 1 {
		t.Fatalf("got %d records, want exactly 1 END_REQUEST", len(records))
	}

	end := records[0]
	if len(end.Content) != 8 || end.Content[4] != byte(protocol.StatusUnknownRole) {
		t.Fatalf("protocolStatus = %v, want UNKNOWN_ROLE", end.Content)
	}
}

// S3 — GET_VALUES: a query for FCGI_MPXS_CONNS gets "1" back.
func TestGetValuesAnswersMpxsConns(t *testing.T) {
	reg := registry.New()
	reg.Register(protocol.RoleResponder, handlers.NewEchoFactory())
	l, sockPath := newTestListener(t, reg)
	go l.Run(testContext(t))

	conn := dial(t, sockPath)
	defer conn.Close()

	query := []protocol.NameValue{{Name: "FCGI_MPXS_CONNS", Value: ""}}
	content := make([]byte, protocol.EncodedLen(query))
	protocol.EncodeNameValues(content, query)
	conn.Write(protocol.Serialize(protocol.TypeGetValues, 0, content))

	records := readRecordsUntil(t, conn, protocol.TypeGetValuesRes)
	if len(records) != 1 {
		t.Fatalf("got %d records, want exactly 1 GET_VALUES_RESULT", len(records))
	}
	pairs, err := protocol.DecodeNameValues(records[0].Content)
	if err != nil {
		t.Fatalf("DecodeNameValues: %v", err)
	}
	found := false
	for _, p := range pairs {
		if p.Name == "FCGI_MPXS_CONNS" {
			found = true
			if p.Value != "1" {
				t.Fatalf("FCGI_MPXS_CONNS = %q, want 1", p.Value)
			}
		}
	}
	if !found {
		t.Fatal("FCGI_MPXS_CONNS missing from GET_VALUES_RESULT")
	}
}

// blockingHandler never finishes on its own Step — only ABORT_REQUEST's
// default onAbort hook (finish(1)) ends it. Isolates S4 from a race
// against a handler that would otherwise finish on its own.
type blockingHandler struct {
	request.BaseHandler
}

func (h *blockingHandler) Step() bool { return false }

// S4 — abort mid-request: default onAbort finishes with app status 1.
func TestAbortMidRequestFinishesWithStatusOne(t *testing.T) {
	reg := registry.New()
	reg.Register(protocol.RoleResponder, func(r *request.Request) request.Handler {
		return &blockingHandler{BaseHandler: request.BaseHandler{Request: r}}
	})
	l, sockPath := newTestListener(t, reg)
	go l.Run(testContext(t))

	conn := dial(t, sockPath)
	defer conn.Close()

	conn.Write(protocol.Serialize(protocol.TypeBeginRequest, 3, encodeBeginRequest(protocol.RoleResponder, 0)))
	conn.Write(protocol.Serialize(protocol.TypeParams, 3, nil))
	conn.Write(protocol.Serialize(protocol.TypeAbortRequest, 3, nil))

	records := readRecordsUntil(t, conn, protocol.TypeEndRequest)
	end := records[len(records)-1]
	if end.Content[4] != byte(protocol.StatusRequestComplete) {
		t.Fatalf("protocolStatus = %v, want REQUEST_COMPLETE", end.Content[4])
	}
	appStatus := protocol.Uint32(end.Content[0:4])
	if appStatus != 1 {
		t.Fatalf("appStatus = %d, want 1", appStatus)
	}
}

// S5 — multiplex: two concurrent requests on one connection finish
// independently, each tagged by its own id.
func TestMultiplexTwoRequests(t *testing.T) {
	reg := registry.New()
	reg.Register(protocol.RoleResponder, handlers.NewEchoFactory())
	l, sockPath := newTestListener(t, reg)
	go l.Run(testContext(t))

	conn := dial(t, sockPath)
	defer conn.Close()

	p1 := []protocol.NameValue{{Name: "REQ", Value: "1"}}
	c1 := make([]byte, protocol.EncodedLen(p1))
	protocol.EncodeNameValues(c1, p1)

	p2 := []protocol.NameValue{{Name: "REQ", Value: "2"}}
	c2 := make([]byte, protocol.EncodedLen(p2))
	protocol.EncodeNameValues(c2, p2)

	conn.Write(protocol.Serialize(protocol.TypeBeginRequest, 1, encodeBeginRequest(protocol.RoleResponder, protocol.FlagKeepConn)))
	conn.Write(protocol.Serialize(protocol.TypeBeginRequest, 2, encodeBeginRequest(protocol.RoleResponder, protocol.FlagKeepConn)))
	conn.Write(protocol.Serialize(protocol.TypeParams, 1, c1))
	conn.Write(protocol.Serialize(protocol.TypeParams, 2, c2))
	conn.Write(protocol.Serialize(protocol.TypeParams, 1, nil))
	conn.Write(protocol.Serialize(protocol.TypeParams, 2, nil))
	conn.Write(protocol.Serialize(protocol.TypeStdin, 1, nil))
	conn.Write(protocol.Serialize(protocol.TypeStdin, 2, nil))

	seenEnd := map[uint16]bool{}
	stdoutByID := map[uint16][]byte{}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var parser protocol.Parser
	buf := make([]byte, 4096)
	for len(seenEnd) < 2 {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		data := buf[:n]
		for len(data) > 0 {
			consumed, rec, err := parser.Feed(data)
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			data = data[consumed:]
			if rec == nil {
				if consumed == 0 {
					break
				}
				continue
			}
			switch rec.Header.Type {
			case protocol.TypeStdout:
				stdoutByID[rec.Header.RequestId] = append(stdoutByID[rec.Header.RequestId], rec.Content...)
			case protocol.TypeEndRequest:
				seenEnd[rec.Header.RequestId] = true
			}
		}
	}

	if string(stdoutByID[1]) != "params: REQ=1" {
		t.Fatalf("request 1 stdout = %q", stdoutByID[1])
	}
	if string(stdoutByID[2]) != "params: REQ=2" {
		t.Fatalf("request 2 stdout = %q", stdoutByID[2])
	}
}

// S6 — oversized output: a handler writing 200,000 bytes to stdout
// produces several STDOUT records, none exceeding MaxContent, followed by
// the zero-length STDOUT and END_REQUEST.
type bigWriterHandler struct {
	request.BaseHandler
	wrote bool
}

func (h *bigWriterHandler) Step() bool {
	if !h.Request.Ready() {
		return false
	}
	if h.wrote {
		return true
	}
	h.wrote = true
	payload := make([]byte, 200000)
	_, _ = h.Request.Send(payload)
	_ = h.Request.Finish(0)
	return true
}

func TestOversizedOutputSplitsAcrossRecords(t *testing.T) {
	reg := registry.New()
	reg.Register(protocol.RoleResponder, func(r *request.Request) request.Handler {
		return &bigWriterHandler{BaseHandler: request.BaseHandler{Request: r}}
	})
	l, sockPath := newTestListener(t, reg)
	go l.Run(testContext(t))

	conn := dial(t, sockPath)
	defer conn.Close()

	conn.Write(protocol.Serialize(protocol.TypeBeginRequest, 1, encodeBeginRequest(protocol.RoleResponder, 0)))
	conn.Write(protocol.Serialize(protocol.TypeParams, 1, nil))

	records := readRecordsUntil(t, conn, protocol.TypeEndRequest)

	stdoutRecords := 0
	total := 0
	zeroSeen := false
	for _, rec := range records {
		if rec.Header.Type != protocol.TypeStdout {
			continue
		}
		if len(rec.Content) == 0 {
			zeroSeen = true
			continue
		}
		stdoutRecords++
		total += len(rec.Content)
		if len(rec.Content) > protocol.MaxContent {
			t.Fatalf("stdout record of %d bytes exceeds MaxContent", len(rec.Content))
		}
	}
	if stdoutRecords < 4 {
		t.Fatalf("got %d non-empty STDOUT records, want at least 4", stdoutRecords)
	}
	if !zeroSeen {
		t.Fatal("expected a zero-length STDOUT record before END_REQUEST")
	}
	if total != 200000 {
		t.Fatalf("reassembled stdout length = %d, want 200000", total)
	}
}

// dispatch must only ever run on the goroutine that constructed the
// Connection (the listener's reactor goroutine); invoking it from
// anywhere else is a ThreadContextViolation.
func TestDispatchOffIOGoroutineIsRejected(t *testing.T) {
	reg := registry.New()
	reg.Register(protocol.RoleResponder, func(r *request.Request) request.Handler {
		return request.BaseHandler{Request: r}
	})

	pool := NewPool(1)
	defer pool.Terminate()
	c := NewConnection(-1, reg, pool, 4096, testLogger())

	rec := &protocol.Record{Header: protocol.Header{Type: protocol.TypeGetValues, RequestId: 0}}

	errCh := make(chan error, 1)
	go func() { errCh <- c.dispatch(rec) }()

	err := <-errCh
	kind, ok := ferrors.KindOf(err)
	if !ok || kind != ferrors.ThreadContextViolation {
		t.Fatalf("dispatch from a foreign goroutine: err = %v, want a ThreadContextViolation ferrors.Error", err)
	}
}

// WriteRecord must reject a call from whichever goroutine already holds
// the write mutex instead of deadlocking on it.
func TestWriteRecordRejectsReentrantCall(t *testing.T) {
	reg := registry.New()
	reg.Register(protocol.RoleResponder, func(r *request.Request) request.Handler {
		return request.BaseHandler{Request: r}
	})

	pool := NewPool(1)
	defer pool.Terminate()
	c := NewConnection(-1, reg, pool, 4096, testLogger())
	c.writerGoroutine.Store(currentGoroutineID())

	err := c.WriteRecord(protocol.TypeStdout, 1, nil)
	kind, ok := ferrors.KindOf(err)
	if !ok || kind != ferrors.ThreadContextViolation {
		t.Fatalf("reentrant WriteRecord: err = %v, want a ThreadContextViolation ferrors.Error", err)
	}
}
